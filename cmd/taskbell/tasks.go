package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"taskbell/internal/app"
	"taskbell/internal/tasks"
)

func newTasksCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Edit the task list in storage (stop the daemon first)",
	}
	cmd.AddCommand(
		newTasksListCmd(opts),
		newTasksAddCmd(opts),
		newTasksDoneCmd(opts),
		newTasksDeleteCmd(opts),
		newTasksICSCmd(opts),
	)
	return cmd
}

func withStore(ctx context.Context, opts *rootOptions, fn func(*tasks.Store) error) error {
	store, closeFn, err := app.OpenTasks(ctx, opts.configPath, quietLogger())
	if err != nil {
		return err
	}
	defer func() { _ = closeFn() }()
	return fn(store)
}

func newTasksListCmd(opts *rootOptions) *cobra.Command {
	var search string
	cmd := &cobra.Command{
		Use:   "list [all|today|upcoming|important]",
		Short: "List tasks",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := tasks.FilterAll
			if len(args) == 1 {
				f, ok := tasks.ParseFilter(args[0])
				if !ok {
					return fmt.Errorf("unknown filter %q", args[0])
				}
				filter = f
			}
			return withStore(cmd.Context(), opts, func(s *tasks.Store) error {
				printTasks(cmd.OutOrStdout(), s.List(tasks.Query{Filter: filter, Search: search}), s.Location())
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&search, "search", "q", "", "match title, location or reminder date")
	return cmd
}

func newTasksAddCmd(opts *rootOptions) *cobra.Command {
	var (
		at       string
		priority string
		outdoor  bool
		where    string
	)
	cmd := &cobra.Command{
		Use:   "add <title>",
		Short: "Add a task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *tasks.Store) error {
				when, err := tasks.ParseReminder(at, s.Location())
				if err != nil {
					return err
				}
				in := tasks.NewTask{
					Title:    strings.Join(args, " "),
					Reminder: when,
					Category: tasks.CategoryIndoor,
				}
				if priority != "" {
					in.Priority = tasks.ParsePriority(priority)
				}
				if outdoor {
					in.Category = tasks.CategoryOutdoor
					in.Location = where
				}
				t, err := s.Add(tasks.WithActor(cmd.Context(), "cli"), in)
				if err != nil {
					return err
				}
				printTasks(cmd.OutOrStdout(), []tasks.Task{t}, s.Location())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", `reminder time, "YYYY-MM-DD HH:MM" or RFC3339`)
	cmd.Flags().StringVarP(&priority, "priority", "p", "", "low, medium or high")
	cmd.Flags().BoolVar(&outdoor, "outdoor", false, "outdoor task")
	cmd.Flags().StringVar(&where, "where", "", "location of an outdoor task")
	return cmd
}

func newTasksDoneCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "done <id>",
		Short: "Toggle a task's completed flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *tasks.Store) error {
				t, err := s.ToggleCompleted(tasks.WithActor(cmd.Context(), "cli"), args[0])
				if err != nil {
					return err
				}
				printTasks(cmd.OutOrStdout(), []tasks.Task{t}, s.Location())
				return nil
			})
		},
	}
}

func newTasksDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a task",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *tasks.Store) error {
				return s.Delete(tasks.WithActor(cmd.Context(), "cli"), args[0])
			})
		},
	}
}

func newTasksICSCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "ics <id>",
		Short: "Print an iCalendar entry for a task with a reminder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *tasks.Store) error {
				body, err := s.Calendar(args[0])
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(body)
				return err
			})
		},
	}
}

var (
	dim  = color.New(color.FgHiBlack).SprintFunc()
	red  = color.New(color.FgRed).SprintFunc()
	bold = color.New(color.Bold).SprintFunc()
)

func printTasks(w io.Writer, list []tasks.Task, loc *time.Location) {
	if len(list) == 0 {
		fmt.Fprintln(w, dim("no tasks"))
		return
	}
	for _, t := range list {
		fmt.Fprintln(w, formatTask(t, loc))
	}
}

func formatTask(t tasks.Task, loc *time.Location) string {
	mark := "[ ]"
	if t.Completed {
		mark = "[x]"
	}
	title := t.Title
	if t.Priority == tasks.PriorityHigh {
		title = red(title + " !")
	}
	line := fmt.Sprintf("%s %s %s", mark, bold(t.ID), title)
	if t.Reminder != nil {
		line += "  " + t.Reminder.In(loc).Format("2006-01-02 15:04")
	}
	if t.Location != "" {
		line += "  @" + t.Location
	}
	if t.Completed {
		return dim(line)
	}
	return line
}
