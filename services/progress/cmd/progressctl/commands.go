package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/edu-platform/internal/platform/auth"
	"github.com/example/edu-platform/internal/platform/validate"
	"github.com/example/edu-platform/services/progress/internal/store"
	"github.com/example/edu-platform/services/progress/internal/tracker"
)

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
}

var catalogSchema = validate.MustCompile("catalog", `{
	"type": "object",
	"properties": {
		"courses": {"type": "array", "items": {
			"type": "object",
			"required": ["id", "title"],
			"properties": {
				"id": {"type": "integer", "minimum": 1},
				"title": {"type": "string", "minLength": 1}
			}
		}},
		"lessons": {"type": "array", "items": {
			"type": "object",
			"required": ["id", "courseId", "title", "order"],
			"properties": {
				"id": {"type": "integer", "minimum": 1},
				"courseId": {"type": "integer", "minimum": 1},
				"title": {"type": "string", "minLength": 1},
				"order": {"type": "integer"},
				"coverVideoKey": {"type": "string"}
			}
		}},
		"activities": {"type": "array", "items": {
			"type": "object",
			"required": ["id", "lessonId", "title"],
			"properties": {
				"id": {"type": "integer", "minimum": 1},
				"lessonId": {"type": "integer", "minimum": 1},
				"title": {"type": "string", "minLength": 1}
			}
		}}
	}
}`)

func newSeedCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load a JSON catalog of courses, lessons and activities (development only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("file")
			raw, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var cat store.Catalog
			if err := catalogSchema.Decode(raw, &cat); err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}

			st, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()
			if err := st.UpsertCatalog(cmd.Context(), cat); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "seeded %d courses, %d lessons, %d activities\n",
				len(cat.Courses), len(cat.Lessons), len(cat.Activities))
			return nil
		},
	}
	cmd.Flags().String("file", "", "Path to the catalog JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func parseLessonArgs(args []string) (string, int64, error) {
	user := strings.TrimSpace(args[0])
	lessonID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("lesson id %q: %w", args[1], err)
	}
	return user, lessonID, nil
}

func newResetCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <user> <lesson>",
		Short: "Reset a user's lesson to locked with zero progress",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, lessonID, err := parseLessonArgs(args)
			if err != nil {
				return err
			}
			return e.withTracker(cmd.Context(), func(tr *tracker.Tracker) error {
				if _, err := tr.ResetLessonProgress(cmd.Context(), user, lessonID); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "lesson %d reset for %s\n", lessonID, user)
				return nil
			})
		},
	}
}

func newUnlockNextCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "unlock-next <user> <lesson>",
		Short: "Unlock the lesson after <lesson> for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, lessonID, err := parseLessonArgs(args)
			if err != nil {
				return err
			}
			return e.withTracker(cmd.Context(), func(tr *tracker.Tracker) error {
				next, err := tr.UnlockNext(cmd.Context(), user, lessonID)
				if err != nil {
					return err
				}
				if next == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "lesson %d is the last of its course\n", lessonID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unlocked lesson %d for %s\n", *next, user)
				return nil
			})
		},
	}
}

func newStatusCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <user> <lesson>",
		Short: "Show a user's progress on a lesson and the state of the next one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			user, lessonID, err := parseLessonArgs(args)
			if err != nil {
				return err
			}
			return e.withTracker(cmd.Context(), func(tr *tracker.Tracker) error {
				snap, err := tr.LessonsProgress(cmd.Context(), user)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				found := false
				for _, l := range snap.Lessons {
					if l.LessonID == lessonID {
						found = true
						fmt.Fprintf(out, "lesson %d: progress=%d completed=%t locked=%t position=%ds\n",
							l.LessonID, l.Progress, l.IsCompleted, l.IsLocked, l.LastPositionSeconds)
					}
				}
				if !found {
					fmt.Fprintf(out, "lesson %d: no record\n", lessonID)
				}

				next, err := tr.NextLessonStatus(cmd.Context(), user, lessonID)
				if err != nil {
					return err
				}
				if next.LessonID == nil {
					fmt.Fprintln(out, "next: none")
					return nil
				}
				fmt.Fprintf(out, "next: lesson %d unlocked=%t\n", *next.LessonID, next.IsUnlocked)
				return nil
			})
		},
	}
}

func newTokenCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Mint a development JWT for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := e.v.GetString("JWT_SECRET")
			if strings.TrimSpace(secret) == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			role, _ := cmd.Flags().GetString("role")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			tok, err := auth.JWTVerifier{Secret: []byte(secret)}.Mint(strings.TrimSpace(args[0]), role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().String("role", "", "Role claim, e.g. admin")
	cmd.Flags().Duration("ttl", 24*time.Hour, "Token lifetime")
	return cmd
}
