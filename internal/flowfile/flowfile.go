// Package flowfile loads flow definitions from YAML files.
//
// A file lists flows with their trigger and steps:
//
//	flows:
//	  - account: support-bot      # account name, or account_id: <id>
//	    name: greeting
//	    trigger: {type: keyword, content: hi}
//	    active: true
//	    steps:
//	      - {order: 1, type: send_text, payload: {text: "What is your name?"}}
//	      - {order: 2, type: wait_message, payload: {variable: name}}
//
// ${VAR} references are expanded from the environment before parsing.
package flowfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"gopkg.in/yaml.v3"
)

// ErrNoAccount is returned for a flow that names neither account nor account_id.
var ErrNoAccount = errors.New("flow must name an account or account_id")

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// File is a parsed flow file.
type File struct {
	Flows []FlowDef `yaml:"flows"`
}

// FlowDef is one flow entry.
type FlowDef struct {
	Account   string     `yaml:"account"`
	AccountID string     `yaml:"account_id"`
	Name      string     `yaml:"name"`
	Trigger   TriggerDef `yaml:"trigger"`
	Active    *bool      `yaml:"active"`
	Steps     []StepDef  `yaml:"steps"`
}

// TriggerDef selects when a flow starts.
type TriggerDef struct {
	Type    models.TriggerType `yaml:"type"`
	Content string             `yaml:"content"`
}

// StepDef is one step entry.
type StepDef struct {
	Order   int             `yaml:"order"`
	Type    models.StepType `yaml:"type"`
	Payload map[string]any  `yaml:"payload"`
}

// Load reads and parses a flow file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading flow file: %w", err)
	}
	return Parse(data)
}

// Parse parses flow file content.
func Parse(data []byte) (*File, error) {
	expanded := envVarPattern.ReplaceAllStringFunc(string(data), func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
	var f File
	if err := yaml.Unmarshal([]byte(expanded), &f); err != nil {
		return nil, fmt.Errorf("parsing flow file: %w", err)
	}
	return &f, nil
}

// Flow converts the entry into a flow for the given account. Steps without an
// explicit order are numbered by position starting at 1.
func (d FlowDef) Flow(accountID string) models.Flow {
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	f := models.Flow{
		AccountID:      accountID,
		Name:           d.Name,
		TriggerType:    d.Trigger.Type,
		TriggerContent: d.Trigger.Content,
		IsActive:       active,
	}
	for i, s := range d.Steps {
		order := s.Order
		if order == 0 {
			order = i + 1
		}
		f.Steps = append(f.Steps, models.Step{Order: order, Type: s.Type, Payload: models.Payload(s.Payload)})
	}
	return f
}

// Repo is the store surface Apply needs.
type Repo interface {
	store.AccountRepo
	store.FlowRepo
}

// Apply creates the file's flows. Flows whose name already exists on the
// account are skipped so a file can be applied on every start. It returns the
// number of flows created; invalid entries are reported and the rest applied.
func (f *File) Apply(ctx context.Context, repo Repo) (int, error) {
	accounts, err := repo.ListAccounts(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing accounts: %w", err)
	}
	byName := make(map[string]string, len(accounts))
	for _, a := range accounts {
		byName[a.Name] = a.ID
	}

	created := 0
	var errs []error
	for i, def := range f.Flows {
		accountID := def.AccountID
		if accountID == "" && def.Account != "" {
			id, ok := byName[def.Account]
			if !ok {
				errs = append(errs, fmt.Errorf("flow %d (%s): %w: %q", i, def.Name, models.ErrAccountNotFound, def.Account))
				continue
			}
			accountID = id
		}
		if accountID == "" {
			errs = append(errs, fmt.Errorf("flow %d (%s): %w", i, def.Name, ErrNoAccount))
			continue
		}

		existing, err := repo.ListFlows(ctx, accountID)
		if err != nil {
			errs = append(errs, fmt.Errorf("flow %d (%s): %w", i, def.Name, err))
			continue
		}
		if hasFlowNamed(existing, def.Name) {
			slog.Debug("flowfile.Apply: flow exists, skipping", "account_id", accountID, "name", def.Name)
			continue
		}

		fl := def.Flow(accountID)
		if err := fl.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("flow %d (%s): %w", i, def.Name, err))
			continue
		}
		if _, err := repo.CreateFlow(ctx, fl); err != nil {
			errs = append(errs, fmt.Errorf("flow %d (%s): %w", i, def.Name, err))
			continue
		}
		created++
		slog.Info("flowfile.Apply: flow created", "account_id", accountID, "name", def.Name, "steps", len(fl.Steps))
	}
	return created, errors.Join(errs...)
}

func hasFlowNamed(flows []models.Flow, name string) bool {
	for _, f := range flows {
		if f.Name == name {
			return true
		}
	}
	return false
}
