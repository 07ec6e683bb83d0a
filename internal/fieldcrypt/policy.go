package fieldcrypt

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/caretrust-systems/securecore/internal/models"
	"github.com/caretrust-systems/securecore/internal/repository"
)

// PolicyRule is one classification entry in the policy file.
type PolicyRule struct {
	ResourceType   string `yaml:"resource_type"`
	Field          string `yaml:"field"`
	Classification string `yaml:"classification"`
	Mode           string `yaml:"mode"`
}

type policyFile struct {
	Rules []PolicyRule `yaml:"rules"`
}

// LoadPolicy reads classification rules from a YAML policy file.
func LoadPolicy(path string) ([]PolicyRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classification policy: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse classification policy: %w", err)
	}
	return file.Rules, nil
}

// BootstrapRules persists policy rules idempotently: existing
// (resource type, field) pairs are updated in place, new pairs inserted.
func BootstrapRules(ctx context.Context, repo repository.Repository, rules []PolicyRule) error {
	for _, pr := range rules {
		mode := models.EncryptionMode(pr.Mode)
		if mode != models.ModeDeterministic && mode != models.ModeRandomized {
			return fmt.Errorf("invalid encryption mode %q for %s.%s", pr.Mode, pr.ResourceType, pr.Field)
		}

		purpose := models.KeyPurpose(pr.Classification)
		switch purpose {
		case models.PurposePHI, models.PurposePII, models.PurposeSensitive, models.PurposeSystem:
		default:
			return fmt.Errorf("invalid classification %q for %s.%s", pr.Classification, pr.ResourceType, pr.Field)
		}

		id, _ := uuid.NewV7()
		rule := &models.ClassificationRule{
			ID:           id.String(),
			ResourceType: pr.ResourceType,
			FieldName:    pr.Field,
			Purpose:      purpose,
			Mode:         mode,
			Active:       true,
			CreatedAt:    time.Now().UTC(),
		}
		if err := repo.UpsertRule(ctx, rule); err != nil {
			return fmt.Errorf("failed to persist rule %s.%s: %w", pr.ResourceType, pr.Field, err)
		}
	}
	return nil
}
