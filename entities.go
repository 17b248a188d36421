package queryindex

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/open-mercato/queryindex/internal/types"
)

// entityDecl is one entry of the entities file. Declarative registrations
// cover everything but arbitrary organization derivation; hosts needing a
// custom DeriveOrganization register in code instead.
type entityDecl struct {
	Entity       string `yaml:"entity"`
	Table        string `yaml:"table"`
	Label        string `yaml:"label"`
	IDColumn     string `yaml:"idColumn"`
	CustomEntity bool   `yaml:"customEntity"`
	Parent       *struct {
		Table      string `yaml:"table"`
		ForeignKey string `yaml:"foreignKey"`
	} `yaml:"parent"`
	// OrganizationFrom derives the effective organization from the base row:
	// "self" uses the row's own id (directory organizations), any other value
	// names the column to read. Empty keeps the scope columns.
	OrganizationFrom string `yaml:"organizationFrom"`
}

type entitiesFile struct {
	Entities []entityDecl `yaml:"entities"`
}

// LoadEntities reads entity registrations from a YAML file:
//
//	entities:
//	  - entity: crm:customer
//	    table: customers
//	    label: Customers
//	    parent:
//	      table: customer_companies
//	      foreignKey: company_id
//	  - entity: directory:organization
//	    table: organizations
//	    organizationFrom: self
//	  - entity: custom:ticket
//	    customEntity: true
func LoadEntities(path string) ([]EntityConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read entities file: %w", err)
	}
	return ParseEntities(data)
}

// ParseEntities parses entity registrations from YAML bytes.
func ParseEntities(data []byte) ([]EntityConfig, error) {
	var file entitiesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse entities file: %w", err)
	}

	out := make([]EntityConfig, 0, len(file.Entities))
	for i, decl := range file.Entities {
		entity := types.EntityType(decl.Entity)
		if err := entity.Validate(); err != nil {
			return nil, fmt.Errorf("entities[%d]: %w", i, err)
		}
		cfg := EntityConfig{
			EntityType:   entity,
			Table:        decl.Table,
			Label:        decl.Label,
			IDColumn:     decl.IDColumn,
			CustomEntity: decl.CustomEntity,
		}
		if decl.Parent != nil {
			if decl.Parent.Table == "" || decl.Parent.ForeignKey == "" {
				return nil, fmt.Errorf("entities[%d]: parent needs table and foreignKey", i)
			}
			cfg.Parent = &ParentLink{
				Table:            decl.Parent.Table,
				ForeignKeyColumn: decl.Parent.ForeignKey,
			}
		}
		if from := decl.OrganizationFrom; from != "" {
			column := from
			if from == "self" {
				column = decl.IDColumn
				if column == "" {
					column = "id"
				}
			}
			cfg.DeriveOrganization = func(row Doc) *string {
				if v, ok := row.GetString(column); ok && v != "" {
					return &v
				}
				return nil
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}
