package policy

// CatalogVersion is bumped when the catalog payload shape changes.
const CatalogVersion = 2

// Catalog tells a worker which commands it may ask for and how they are judged.
type Catalog struct {
	Version      int              `json:"version"`
	GeneratedBy  string           `json:"generatedBy"`
	SourcePolicy string           `json:"sourcePolicy"`
	Commands     []CatalogCommand `json:"commands"`
	Rules        []Rule           `json:"rules"`
}

type CatalogCommand struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	Policy         string `json:"policy"`
	ReasonRequired bool   `json:"reasonRequired"`
	Description    string `json:"description"`
	RulesCount     int    `json:"rulesCount"`
}

// BuildCatalog describes p. source names where p was read from, or "none".
// Decisions are listed as the engine will apply them, so a rule with a
// missing or misspelled decision shows up as rejected.
func BuildCatalog(p *CommandPolicy, source string) Catalog {
	if source == "" {
		source = "none"
	}
	rules := []Rule{}
	if p != nil {
		for _, r := range p.Rules {
			r.Decision = r.Decision.Normalize()
			rules = append(rules, r)
		}
	}
	return Catalog{
		Version:      CatalogVersion,
		GeneratedBy:  "guard",
		SourcePolicy: source,
		Commands: []CatalogCommand{{
			Name:           "command.run",
			Kind:           "command",
			Policy:         "regex-map",
			ReasonRequired: true,
			Description:    "Run command through policy map.",
			RulesCount:     len(rules),
		}},
		Rules: rules,
	}
}
