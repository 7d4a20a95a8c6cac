package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpool/internal/domain"
	"taskpool/internal/engine"
	"taskpool/internal/repo"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow available -> claimed -> completed. Claim, release and complete take the version you last read; a stale version is a conflict.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskTransitionCmd("claim", "Claim an available task", domain.TaskAvailable, engine.Engine.ClaimTask))
	task.AddCommand(taskTransitionCmd("release", "Release a claimed task", domain.TaskClaimed, engine.Engine.ReleaseTask))
	task.AddCommand(taskTransitionCmd("complete", "Complete a claimed task", domain.TaskClaimed, engine.Engine.CompleteTask))
	return task
}

func taskCreateCmd() *cobra.Command {
	var opts engine.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.OrgID = viper.GetInt64("org")
			opts.ActorID = optionalInt64(viper.GetInt64("user-id"))
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().Int64Var(&opts.ProjectID, "project", 0, "project id")
	cmd.Flags().Int64Var(&opts.TypeID, "type", 0, "task type id")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.OrgID = viper.GetInt64("org")
			f.Status = domain.TaskStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Claimed By", "Version", "Rule"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Status, derefInt(t.ClaimedBy), t.Version, derefInt(t.SourceRuleID)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&f.ProjectID, "project", 0, "project filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().Int64Var(&f.ClaimedBy, "claimed-by", 0, "claimant filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, viper.GetInt64("org"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

type taskTransition func(e engine.Engine, ctx context.Context, orgID, taskID, userID, version int64) (domain.Task, error)

func taskTransitionCmd(use, short string, from domain.TaskStatus, run taskTransition) *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actor()
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if version == 0 {
					cur, err := e.GetTask(ctx, viper.GetInt64("org"), id)
					if err != nil {
						return err
					}
					version = cur.Version
				}
				t, err := run(e, ctx, viper.GetInt64("org"), id, userID, version)
				if err != nil {
					return err
				}
				evals, derr := e.Transitioned(ctx, engine.TaskEvent(t, from), &engine.Actor{ID: userID})
				if viper.GetBool("json") {
					return printJSON(map[string]any{"task": t, "evaluations": evals, "dispatch_error": errString(derr)})
				}
				fmt.Printf("task %d is %s (version %d)\n", t.ID, t.Status, t.Version)
				printEvaluations(evals, derr)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (defaults to the current one)")
	return cmd
}

func cardCmd() *cobra.Command {
	card := &cobra.Command{
		Use:   "card",
		Short: "Manage cards",
		Long:  "Cards move pendiente -> en_curso -> cerrada and can be reopened.",
	}
	card.AddCommand(cardCreateCmd())
	card.AddCommand(cardShowCmd())
	card.AddCommand(cardMoveCmd())
	return card
}

func cardCreateCmd() *cobra.Command {
	var projectID int64
	var title string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a card",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCard(ctx, viper.GetInt64("org"), projectID, title)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().Int64Var(&projectID, "project", 0, "project id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func cardShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a card",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.GetCard(ctx, viper.GetInt64("org"), id)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

func cardMoveCmd() *cobra.Command {
	var version int64
	cmd := &cobra.Command{
		Use:   "move <id> <status>",
		Short: "Move a card",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			userID, err := actor()
			if err != nil {
				return err
			}
			to := domain.CardStatus(args[1])
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if version == 0 {
					cur, err := e.GetCard(ctx, viper.GetInt64("org"), id)
					if err != nil {
						return err
					}
					version = cur.Version
				}
				c, from, err := e.MoveCard(ctx, viper.GetInt64("org"), id, userID, to, version)
				if err != nil {
					return err
				}
				evals, derr := e.Transitioned(ctx, engine.CardEvent(c, from), &engine.Actor{ID: userID})
				if viper.GetBool("json") {
					return printJSON(map[string]any{"card": c, "evaluations": evals, "dispatch_error": errString(derr)})
				}
				fmt.Printf("card %d moved %s -> %s (version %d)\n", c.ID, from, c.Status, c.Version)
				printEvaluations(evals, derr)
				return nil
			})
		},
	}
	cmd.Flags().Int64Var(&version, "version", 0, "expected version (defaults to the current one)")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
