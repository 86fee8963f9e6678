package main

import (
	"context"
	"os"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/executor"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/logger"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention"
	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/retention/store"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage retention rules",
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a rule or update the active rule with the same key",
	Long: `Create a retention rule, or update the period of the active rule with the
same project, data storage name and type.

A DATASET rule without --period inherits the project's GLOBAL rule; adding
one submits the default jobs it is now covered by.`,
	Example: `  sdrs rules add --type GLOBAL --project my-proj --period 90
  sdrs rules add --project my-proj --path gs://bucket/events --period 30
  sdrs rules add --project my-proj --path gs://bucket/logs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		ruleType, _ := flags.GetString("type")
		project, _ := flags.GetString("project")
		path, _ := flags.GetString("path")
		dataset, _ := flags.GetString("dataset")
		period, _ := flags.GetInt("period")
		unit, _ := flags.GetString("unit")

		rule, err := ruleSpec{
			Type:            ruleType,
			ProjectID:       project,
			DataStorageName: path,
			DatasetName:     dataset,
			Period:          period,
			Unit:            unit,
		}.toRule()
		if err != nil {
			return err
		}

		return withRuleAdmin(cmd.Context(), func(admin *ruleAdmin) error {
			saved, created, err := admin.put(cmd.Context(), rule)
			if err != nil {
				return err
			}
			if created {
				pterm.Success.Printfln("Created rule %d (%s)", saved.ID, saved.Key())
			} else {
				pterm.Success.Printfln("Updated rule %d to version %d", saved.ID, saved.Version)
			}
			return nil
		})
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		project, _ := cmd.Flags().GetString("project")

		return withRuleAdmin(cmd.Context(), func(admin *ruleAdmin) error {
			var (
				rules []*retention.Rule
				err   error
			)
			if project != "" {
				rules, err = admin.rules.ListActiveByProject(project)
			} else {
				rules, err = admin.rules.ListAll()
			}
			if err != nil {
				return err
			}
			if len(rules) == 0 {
				pterm.Info.Println("No rules")
				return nil
			}
			return renderRules(rules)
		})
	},
}

var rulesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Deactivate a rule",
	Long: `Deactivate a rule. Deleting a GLOBAL rule also cancels the pending
transfer jobs it owns.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return errors.NewInvalidArgumentError("rule id %q is not a number", args[0])
		}

		return withRuleAdmin(cmd.Context(), func(admin *ruleAdmin) error {
			cancelled, err := admin.remove(cmd.Context(), id)
			if err != nil {
				return err
			}
			pterm.Success.Printfln("Deleted rule %d (%d jobs cancelled)", id, cancelled)
			return nil
		})
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create or update rules from a YAML file",
	Long: `Create or update every rule in a YAML file:

  rules:
    - type: GLOBAL
      project_id: my-proj
      period: 90
    - type: DATASET
      project_id: my-proj
      data_storage_name: gs://bucket/events
      period: 30
      unit: DAY

Rules are applied in file order. Invalid entries are reported and skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to read %s", args[0])
		}
		specs, err := parseRuleFile(data)
		if err != nil {
			return errors.Wrapf(err, "failed to parse %s", args[0])
		}

		return withRuleAdmin(cmd.Context(), func(admin *ruleAdmin) error {
			applied, err := admin.importRules(cmd.Context(), specs)
			if err != nil {
				pterm.Warning.Printfln("%v", err)
			}
			pterm.Success.Printfln("Applied %d of %d rules", applied, len(specs))
			if err != nil {
				return errors.New("some rules were not applied")
			}
			return nil
		})
	},
}

func init() {
	rulesAddCmd.Flags().String("type", string(retention.RuleTypeDataset), "Rule type: GLOBAL (alias DEFAULT) or DATASET")
	rulesAddCmd.Flags().String("project", "", "Project ID")
	rulesAddCmd.Flags().String("path", "", "Data storage name, e.g. gs://bucket/dataset")
	rulesAddCmd.Flags().String("dataset", "", "Dataset name (default: first path segment)")
	rulesAddCmd.Flags().Int("period", 0, "Retention period; 0 inherits the GLOBAL rule")
	rulesAddCmd.Flags().String("unit", string(retention.PeriodDay), "Period unit: DAY, MONTH or VERSION")
	_ = rulesAddCmd.MarkFlagRequired("project")

	rulesListCmd.Flags().String("project", "", "Only list active rules of this project")

	rulesCmd.AddCommand(rulesAddCmd, rulesListCmd, rulesDeleteCmd, rulesImportCmd)
}

// ruleSpec is a rule as written in an import file or on the command line
type ruleSpec struct {
	Type            string `yaml:"type"`
	ProjectID       string `yaml:"project_id"`
	DataStorageName string `yaml:"data_storage_name"`
	DatasetName     string `yaml:"dataset_name"`
	Period          int    `yaml:"period"`
	Unit            string `yaml:"unit"`
}

type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

func parseRuleFile(data []byte) ([]ruleSpec, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	if len(f.Rules) == 0 {
		return nil, errors.NewInvalidArgumentError("no rules found")
	}
	return f.Rules, nil
}

func (s ruleSpec) toRule() (*retention.Rule, error) {
	ruleType := retention.RuleTypeDataset
	if s.Type != "" {
		parsed, err := retention.ParseRuleType(s.Type)
		if err != nil {
			return nil, err
		}
		ruleType = parsed
	}
	unit := retention.PeriodDay
	if s.Unit != "" {
		unit = retention.PeriodUnit(strings.ToUpper(strings.TrimSpace(s.Unit)))
	}

	rule := &retention.Rule{
		Type:            ruleType,
		ProjectID:       strings.TrimSpace(s.ProjectID),
		DataStorageName: strings.TrimSpace(s.DataStorageName),
		DatasetName:     strings.TrimSpace(s.DatasetName),
		RetentionPeriod: retention.Period{Value: s.Period, Unit: unit},
		IsActive:        true,
	}
	if rule.Type == retention.RuleTypeGlobal && rule.DataStorageName == "" {
		rule.DataStorageName = retention.GlobalStorageName
	}
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	return rule, nil
}

// ruleAdmin applies operator rule changes and keeps the jobs of the
// project's GLOBAL rule in line with them.
type ruleAdmin struct {
	rules *store.RuleStore
	jobs  *store.JobStore
	exec  *executor.Executor
}

func withRuleAdmin(ctx context.Context, fn func(*ruleAdmin) error) error {
	a, err := newApp(ctx, cfg, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(&ruleAdmin{rules: a.rules, jobs: a.jobs, exec: a.executor})
}

// put saves rule, or updates the active rule with its business key, and
// reports whether a new rule was created.
func (a *ruleAdmin) put(ctx context.Context, rule *retention.Rule) (*retention.Rule, bool, error) {
	existing, err := a.rules.FindByBusinessKey(rule.ProjectID, rule.DataStorageName, rule.Type)
	created := false
	switch {
	case errors.IsNotFoundError(err):
		if err := a.rules.Save(rule); err != nil {
			return nil, false, err
		}
		existing, created = rule, true
	case err != nil:
		return nil, false, err
	default:
		existing.RetentionPeriod = rule.RetentionPeriod
		existing.DatasetName = rule.DatasetName
		if err := a.rules.Update(existing); err != nil {
			return nil, false, err
		}
	}

	if err := a.syncDefault(ctx, existing); err != nil {
		return existing, created, errors.Wrapf(err, "rule %d saved but default jobs not updated", existing.ID)
	}
	return existing, created, nil
}

// syncDefault submits the default-rule jobs that rule's change leaves
// uncovered. Dataset rules with their own period do not involve the default.
func (a *ruleAdmin) syncDefault(ctx context.Context, rule *retention.Rule) error {
	if rule.OverridesDefault() {
		return nil
	}

	def := rule
	if rule.Type == retention.RuleTypeDataset {
		found, err := a.rules.FindByBusinessKey(rule.ProjectID, retention.GlobalStorageName, retention.RuleTypeGlobal)
		if errors.IsNotFoundError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		def = found
	}

	projectRules, err := a.rules.ListActiveByProject(def.ProjectID)
	if err != nil {
		return err
	}
	var datasets []*retention.Rule
	for _, r := range projectRules {
		if r.Type == retention.RuleTypeDataset {
			datasets = append(datasets, r)
		}
	}

	existing, err := a.jobs.ListByRule(def.ID)
	if err != nil {
		return err
	}
	_, err = a.exec.UpdateDefaultRule(ctx, existing, def, datasets)
	return err
}

// remove deactivates a rule and returns how many jobs were cancelled
func (a *ruleAdmin) remove(ctx context.Context, id int64) (int, error) {
	rule, err := a.rules.FindByID(id)
	if err != nil {
		return 0, err
	}
	if err := a.rules.Delete(id); err != nil {
		return 0, err
	}
	if rule.Type != retention.RuleTypeGlobal {
		return 0, nil
	}

	jobs, err := a.jobs.ListByRule(id)
	if err != nil {
		return 0, err
	}
	cancelled, err := a.exec.CancelDefaultJobs(ctx, jobs, rule)
	return len(cancelled), err
}

// importRules applies specs in order and returns how many succeeded. The
// error combines every failure.
func (a *ruleAdmin) importRules(ctx context.Context, specs []ruleSpec) (int, error) {
	var (
		applied int
		errs    error
	)
	for i, spec := range specs {
		rule, err := spec.toRule()
		if err == nil {
			_, _, err = a.put(ctx, rule)
		}
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "rule %d", i+1))
			continue
		}
		applied++
	}
	return applied, errs
}

func renderRules(rules []*retention.Rule) error {
	data := pterm.TableData{{"ID", "Type", "Project", "Data storage", "Period", "Version", "Active"}}
	for _, r := range rules {
		period := "inherit"
		if !r.RetentionPeriod.IsZero() {
			period = strconv.Itoa(r.RetentionPeriod.Value) + " " + string(r.RetentionPeriod.Unit)
		}
		data = append(data, []string{
			strconv.FormatInt(r.ID, 10),
			string(r.Type),
			r.ProjectID,
			r.DataStorageName,
			period,
			strconv.Itoa(r.Version),
			strconv.FormatBool(r.IsActive),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
