package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpool/internal/domain"
	"taskpool/internal/engine"
)

func workflowCmd() *cobra.Command {
	wf := &cobra.Command{
		Use:   "workflow",
		Short: "Manage workflows",
		Long:  "A workflow groups rules. Without --project it applies to the whole organization. Deactivating a workflow deactivates all of its rules.",
	}
	wf.AddCommand(workflowCreateCmd())
	wf.AddCommand(workflowListCmd())
	wf.AddCommand(workflowUpdateCmd())
	wf.AddCommand(workflowActiveCmd("activate", true))
	wf.AddCommand(workflowActiveCmd("deactivate", false))
	wf.AddCommand(workflowDeleteCmd())
	return wf
}

func workflowCreateCmd() *cobra.Command {
	var in engine.WorkflowInput
	var projectID int64
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.OrgID = viper.GetInt64("org")
			in.ProjectID = optionalInt64(projectID)
			in.Active = !inactive
			in.CreatedBy = viper.GetInt64("user-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkflow(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "name, unique within its scope")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project scope")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create deactivated")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func workflowListCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflows of one scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ws, err := e.ListWorkflows(ctx, viper.GetInt64("org"), optionalInt64(projectID))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ws)
				}
				tw := newTable(table.Row{"ID", "Name", "Project", "Active", "Description"})
				for _, w := range ws {
					tw.AppendRow(table.Row{w.ID, w.Name, derefInt(w.ProjectID), w.Active, w.Description})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project scope")
	return cmd
}

func workflowUpdateCmd() *cobra.Command {
	var name, description string
	var projectID int64
	var active bool
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a workflow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				cur, err := e.GetWorkflow(ctx, id, viper.GetInt64("org"), optionalInt64(projectID))
				if err != nil {
					return err
				}
				in := engine.WorkflowInput{
					OrgID:       cur.OrgID,
					ProjectID:   cur.ProjectID,
					Name:        cur.Name,
					Description: cur.Description,
					Active:      cur.Active,
				}
				if cmd.Flags().Changed("name") {
					in.Name = name
				}
				if cmd.Flags().Changed("description") {
					in.Description = description
				}
				if cmd.Flags().Changed("active") {
					in.Active = active
				}
				w, err := e.UpdateWorkflow(ctx, id, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new name")
	cmd.Flags().StringVar(&description, "description", "", "new description")
	cmd.Flags().BoolVar(&active, "active", true, "active flag, cascades to rules")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project scope")
	return cmd
}

func workflowActiveCmd(use string, active bool) *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: fmt.Sprintf("Set a workflow and all its rules %s", map[bool]string{true: "active", false: "inactive"}[active]),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.SetActiveCascade(ctx, id, viper.GetInt64("org"), optionalInt64(projectID), active)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"workflow_id": id, "active": active, "rules_updated": n})
				}
				fmt.Printf("workflow %d active=%t (%d rules updated)\n", id, active, n)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project scope")
	return cmd
}

func workflowDeleteCmd() *cobra.Command {
	var projectID int64
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a workflow with its rules and execution ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkflow(ctx, id, viper.GetInt64("org"), optionalInt64(projectID))
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project scope")
	return cmd
}

func ruleCmd() *cobra.Command {
	rule := &cobra.Command{
		Use:   "rule",
		Short: "Manage workflow rules",
		Long:  "A rule fires when a task or card reaches its target state and creates one task per attached template. It fires at most once per origin.",
	}
	rule.AddCommand(ruleCreateCmd())
	rule.AddCommand(ruleListCmd())
	rule.AddCommand(ruleDeleteCmd())
	rule.AddCommand(ruleTemplateCmd("attach", engine.Engine.AttachTemplate))
	rule.AddCommand(ruleTemplateCmd("detach", engine.Engine.DetachTemplate))
	rule.AddCommand(ruleEvaluateCmd())
	return rule
}

func ruleCreateCmd() *cobra.Command {
	var in engine.RuleInput
	var workflowID, taskType int64
	var resource string
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.ResourceType = domain.ResourceType(resource)
			in.TaskTypeID = optionalInt64(taskType)
			in.Active = !inactive
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.CreateRule(ctx, viper.GetInt64("org"), workflowID, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	cmd.Flags().StringVar(&in.Name, "name", "", "name")
	cmd.Flags().StringVar(&in.Goal, "goal", "", "goal")
	cmd.Flags().StringVar(&resource, "resource", "task", "resource type (task or card)")
	cmd.Flags().Int64Var(&taskType, "task-type", 0, "only fire for this task type")
	cmd.Flags().StringVar(&in.ToState, "to-state", "", "target state that fires the rule")
	cmd.Flags().BoolVar(&in.UserTriggeredOnly, "user-triggered-only", false, "ignore system transitions")
	cmd.Flags().Int64SliceVar(&in.TemplateIDs, "template", nil, "template id (repeatable)")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create deactivated")
	_ = cmd.MarkFlagRequired("workflow")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("to-state")
	return cmd
}

func ruleListCmd() *cobra.Command {
	var workflowID int64
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rules of a workflow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rs, err := e.ListRules(ctx, viper.GetInt64("org"), workflowID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rs)
				}
				tw := newTable(table.Row{"ID", "Name", "Resource", "To State", "Task Type", "Active", "User Only", "Templates"})
				for _, r := range rs {
					tw.AppendRow(table.Row{r.ID, r.Name, r.ResourceType, r.ToState, derefInt(r.TaskTypeID), r.Active, r.UserTriggeredOnly, r.TemplateIDs})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&workflowID, "workflow", 0, "workflow id")
	_ = cmd.MarkFlagRequired("workflow")
	return cmd
}

func ruleDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteRule(ctx, viper.GetInt64("org"), id)
			})
		},
	}
}

func ruleTemplateCmd(use string, run func(engine.Engine, context.Context, int64, int64, int64) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <rule-id> <template-id>",
		Short: use + " a task template",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			templateID, err := parseID(args[1])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return run(e, ctx, viper.GetInt64("org"), ruleID, templateID)
			})
		},
	}
}

func ruleEvaluateCmd() *cobra.Command {
	var origin, previous string
	var originID int64
	var system bool
	cmd := &cobra.Command{
		Use:   "evaluate <rule-id>",
		Short: "Evaluate a rule against the current state of a task or card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ruleID, err := parseID(args[0])
			if err != nil {
				return err
			}
			org := viper.GetInt64("org")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rule, err := e.GetRule(ctx, org, ruleID)
				if err != nil {
					return err
				}
				if previous != "" && !domain.ResourceType(origin).ValidState(previous) {
					return engine.ValidationError{Field: "previous", Message: "is not a " + origin + " status"}
				}
				var ev engine.Event
				switch domain.ResourceType(origin) {
				case domain.ResourceTask:
					t, err := e.GetTask(ctx, org, originID)
					if err != nil {
						return err
					}
					ev = engine.TaskEvent(t, domain.TaskStatus(previous))
				case domain.ResourceCard:
					c, err := e.GetCard(ctx, org, originID)
					if err != nil {
						return err
					}
					ev = engine.CardEvent(c, domain.CardStatus(previous))
				default:
					return fmt.Errorf("--origin must be task or card")
				}
				var a *engine.Actor
				if !system {
					userID, err := actor()
					if err != nil {
						return err
					}
					a = &engine.Actor{ID: userID}
				}
				res, err := e.EvaluateRule(ctx, rule, ev, a)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				printEvaluations([]engine.Evaluation{res}, nil)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&origin, "origin", "task", "origin type (task or card)")
	cmd.Flags().Int64Var(&originID, "origin-id", 0, "origin id")
	cmd.Flags().StringVar(&previous, "previous", "", "previous state to report")
	cmd.Flags().BoolVar(&system, "system", false, "evaluate as a system transition")
	_ = cmd.MarkFlagRequired("origin-id")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage task templates",
		Long:  "Templates are task blueprints. Name and description may use {{origin}}, {{previous_state}}, {{new_state}}, {{project}} and {{user}}.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateDeleteCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var in engine.TemplateInput
	var projectID int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task template",
		RunE: func(cmd *cobra.Command, args []string) error {
			in.OrgID = viper.GetInt64("org")
			in.ProjectID = optionalInt64(projectID)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, in)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "title of the created task")
	cmd.Flags().StringVar(&in.Description, "description", "", "description of the created task")
	cmd.Flags().Int64Var(&in.TypeID, "type", 0, "task type id")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "priority")
	cmd.Flags().Int64Var(&projectID, "project", 0, "project the task is created in (defaults to the origin's)")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List task templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ts, err := e.ListTemplates(ctx, viper.GetInt64("org"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(ts)
				}
				tw := newTable(table.Row{"ID", "Name", "Type", "Priority", "Project"})
				for _, t := range ts {
					tw.AppendRow(table.Row{t.ID, t.Name, t.TypeID, t.Priority, derefInt(t.ProjectID)})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func templateDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTemplate(ctx, viper.GetInt64("org"), id)
			})
		},
	}
}

func execCmd() *cobra.Command {
	ex := &cobra.Command{Use: "exec", Short: "Rule execution ledger"}
	var ruleID int64
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions of a rule",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				xs, err := e.ListExecutions(ctx, viper.GetInt64("org"), ruleID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(xs)
				}
				tw := newTable(table.Row{"ID", "Origin", "Outcome", "User", "At"})
				for _, x := range xs {
					tw.AppendRow(table.Row{x.ID, fmt.Sprintf("%s#%d", x.OriginType, x.OriginID), x.Outcome, derefInt(x.UserID), x.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().Int64Var(&ruleID, "rule", 0, "rule id")
	list.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	_ = list.MarkFlagRequired("rule")
	ex.AddCommand(list)
	return ex
}
