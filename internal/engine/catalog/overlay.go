package catalog

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade-gateway/internal/engine"
)

// overlayFile is the on-disk shape of a catalog overlay.
//
//	catalogs:
//	  - name: prompt_injection
//	    rules:
//	      - id: pi.custom.internal_codename
//	        kind: prompt_injection
//	        category: extraction
//	        keyword: project bluebird
//	        severity: 0.8
type overlayFile struct {
	Catalogs []overlayCatalog `yaml:"catalogs"`
}

type overlayCatalog struct {
	Name  string        `yaml:"name"`
	Rules []overlayRule `yaml:"rules"`
}

type overlayRule struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind"`
	Category    string   `yaml:"category"`
	Pattern     string   `yaml:"pattern"`
	Keyword     string   `yaml:"keyword"`
	Group       int      `yaml:"group"`
	Severity    float64  `yaml:"severity"`
	Confidence  float64  `yaml:"confidence"`
	Tier        string   `yaml:"tier"`
	Block       bool     `yaml:"block"`
	Tags        []string `yaml:"tags"`
	Description string   `yaml:"description"`
}

// LoadOverlay reads an overlay file and applies it to base.
func LoadOverlay(base Set, path string) (Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("LoadOverlay: %w", err)
	}
	return ApplyOverlay(base, data)
}

// ApplyOverlay merges overlay rules into copies of the base catalogs. A rule
// whose id exists replaces it; new ids are appended. Each touched catalog gets
// version "<base>+overlay.<sha8>" so results stay attributable.
func ApplyOverlay(base Set, data []byte) (Set, error) {
	var f overlayFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return base, fmt.Errorf("ApplyOverlay: parse: %w", err)
	}
	sum := sha256.Sum256(data)
	suffix := "+overlay." + hex.EncodeToString(sum[:])[:8]

	out := base
	for _, oc := range f.Catalogs {
		target, err := out.byName(oc.Name)
		if err != nil {
			return base, fmt.Errorf("ApplyOverlay: %w", err)
		}
		merged := &Catalog{
			Name:    (*target).Name,
			Version: (*target).Version + suffix,
			Rules:   append([]Rule(nil), (*target).Rules...),
		}
		for _, or := range oc.Rules {
			r, err := or.compile(merged.Name)
			if err != nil {
				return base, fmt.Errorf("ApplyOverlay: catalog %s: %w", oc.Name, err)
			}
			if existing, ok := merged.Rule(r.ID); ok {
				*existing = r
			} else {
				merged.Rules = append(merged.Rules, r)
			}
		}
		*target = merged
	}
	return out, nil
}

func (s *Set) byName(name string) (**Catalog, error) {
	switch name {
	case "prompt_injection":
		return &s.Injection, nil
	case "data_exfiltration":
		return &s.Exfiltration, nil
	case "pii":
		return &s.PII, nil
	case "toxicity":
		return &s.Toxicity, nil
	}
	return nil, fmt.Errorf("unknown catalog %q", name)
}

func (or overlayRule) compile(catalogName string) (Rule, error) {
	if or.ID == "" {
		return Rule{}, fmt.Errorf("rule without id")
	}
	if (or.Pattern == "") == (or.Keyword == "") {
		return Rule{}, fmt.Errorf("rule %s: exactly one of pattern or keyword is required", or.ID)
	}
	if or.Severity < 0 || or.Severity > 1 {
		return Rule{}, fmt.Errorf("rule %s: severity %v outside [0,1]", or.ID, or.Severity)
	}

	kind := engine.Kind(or.Kind)
	if kind == "" {
		kind = engine.Kind(catalogName)
	}
	if !kind.Valid() {
		return Rule{}, fmt.Errorf("rule %s: unknown kind %q", or.ID, or.Kind)
	}

	var re *regexp.Regexp
	if or.Keyword != "" {
		re = keyword(or.Keyword)
	} else {
		var err error
		re, err = regexp.Compile(or.Pattern)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %s: %w", or.ID, err)
		}
	}
	if or.Group < 0 || or.Group > re.NumSubexp() {
		return Rule{}, fmt.Errorf("rule %s: group %d out of range", or.ID, or.Group)
	}

	confidence := or.Confidence
	if confidence == 0 {
		confidence = 0.9
	}
	category := or.Category
	if category == "" {
		category = "custom"
	}
	return Rule{
		ID:         or.ID,
		Kind:       kind,
		Category:   category,
		Pattern:    re,
		Group:      or.Group,
		Severity:   or.Severity,
		Confidence: confidence,
		Tier:       Tier(or.Tier),
		Block:      or.Block || Tier(or.Tier) == TierCredential,
		Tags:       or.Tags,
		Detail:     or.Description,
	}, nil
}
