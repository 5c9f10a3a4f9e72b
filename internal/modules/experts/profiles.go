package experts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/merlt/merlt-backend/internal/domain"
)

// Profile configures one reasoning expert: its instruction template, the
// tools it may call and its traversal priors over graph relation types.
type Profile struct {
	ID             domain.ExpertID    `yaml:"id"`
	Instruction    string             `yaml:"instruction"`
	Tools          []string           `yaml:"tools"`
	RelationPriors map[string]float64 `yaml:"relation_priors"`
}

// DefaultProfiles returns the built-in configuration of the four experts.
func DefaultProfiles() map[domain.ExpertID]Profile {
	return map[domain.ExpertID]Profile{
		domain.ExpertLiteral: {
			ID: domain.ExpertLiteral,
			Instruction: strings.TrimSpace(`
You are the literal-interpretation expert for Italian legal questions.
Read the norm text exactly as written. Anchor every statement in the wording
of the provisions you retrieve: definitions, textual cross-references,
grammatical meaning. Do not speculate about purpose or case law.`),
			Tools: []string{ToolSemanticSearch, ToolGraphTraverse},
			RelationPriors: map[string]float64{
				domain.RelationDefines:  0.85,
				domain.RelationRefersTo: 0.80,
				domain.RelationModifies: 0.60,
			},
		},
		domain.ExpertSystemic: {
			ID: domain.ExpertSystemic,
			Instruction: strings.TrimSpace(`
You are the systemic-interpretation expert. Place the question inside the
structure of the legal order: how the provision interacts with neighboring
norms, which body of law it implements, and what purpose the system assigns
to it.`),
			Tools: []string{ToolSemanticSearch, ToolGraphTraverse},
			RelationPriors: map[string]float64{
				domain.RelationRefersTo:   0.75,
				domain.RelationImplements: 0.80,
				domain.RelationModifies:   0.70,
			},
		},
		domain.ExpertPrinciples: {
			ID: domain.ExpertPrinciples,
			Instruction: strings.TrimSpace(`
You are the principles expert. Frame the question through constitutional
principles and the balancing of rights: which principles are in tension,
how the balance has been struck, and what limits follow.`),
			Tools: []string{ToolSemanticSearch, ToolGraphTraverse, ToolFetchPrinciples},
			RelationPriors: map[string]float64{
				domain.RelationBalances:   0.85,
				domain.RelationImplements: 0.70,
			},
		},
		domain.ExpertPrecedent: {
			ID: domain.ExpertPrecedent,
			Instruction: strings.TrimSpace(`
You are the precedent expert. Answer from case law: controlling decisions,
how courts have interpreted the provision, overruled readings, and the
current orientation of the jurisprudence.`),
			Tools: []string{ToolSemanticSearch, ToolGraphTraverse, ToolFetchCitations},
			RelationPriors: map[string]float64{
				domain.RelationInterprets: 0.85,
				domain.RelationOverrules:  0.80,
				domain.RelationCites:      0.75,
			},
		},
	}
}

type profileFile struct {
	Experts []Profile `yaml:"experts"`
}

// LoadProfiles returns the defaults overlaid with the YAML file at path
// (env EXPERT_PROFILES_PATH). An empty path returns the defaults unchanged.
func LoadProfiles(path string) (map[domain.ExpertID]Profile, error) {
	out := DefaultProfiles()
	path = strings.TrimSpace(path)
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("experts: read profile file: %w", err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("experts: parse profile file: %w", err)
	}
	for _, p := range pf.Experts {
		if domain.ExpertIndex(p.ID) < 0 {
			return nil, fmt.Errorf("experts: unknown expert id %q in profile file", p.ID)
		}
		base := out[p.ID]
		if strings.TrimSpace(p.Instruction) != "" {
			base.Instruction = strings.TrimSpace(p.Instruction)
		}
		if len(p.Tools) > 0 {
			base.Tools = p.Tools
		}
		if len(p.RelationPriors) > 0 {
			base.RelationPriors = p.RelationPriors
		}
		out[p.ID] = base
	}
	return out, nil
}

// TraversalPriors extracts every profile's relation priors, keyed by expert,
// for seeding the traversal weight store.
func TraversalPriors(profiles map[domain.ExpertID]Profile) map[domain.ExpertID]map[string]float64 {
	out := make(map[domain.ExpertID]map[string]float64, len(profiles))
	for id, p := range profiles {
		out[id] = p.RelationPriors
	}
	return out
}
