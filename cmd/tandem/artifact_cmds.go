package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/msageha/tandem/internal/artifact"
	"github.com/msageha/tandem/internal/events"
	"github.com/msageha/tandem/internal/loop"
	"github.com/msageha/tandem/internal/model"
	"github.com/msageha/tandem/internal/plan"
)

const researchArtifact = "research"

func (a *app) importCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "import <research|plan> <file>",
		Short: "Record a file as the next version of research or plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, path := args[0], args[1]
			if name != researchArtifact && name != loop.PlanArtifact {
				return fmt.Errorf("unknown artifact %q (want research or plan)", name)
			}
			content, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			if name == loop.PlanArtifact {
				if _, err := plan.Parse(string(content)); err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
			}
			if reason == "" {
				reason = "import " + path
			}

			return a.withRun(cmd.Context(), lockOpts{active: true}, func(_ context.Context, s *session) error {
				v, err := s.store.Import(name, content, artifact.Trigger{Reason: reason})
				if err != nil {
					return err
				}
				s.publish(events.ArtifactVersioned, map[string]any{"artifact": name, "version": v})
				if name == loop.PlanArtifact {
					rv, err := s.store.CurrentVersion(researchArtifact)
					if err != nil {
						return err
					}
					if rv > 0 {
						ref := model.ArtifactRef{ArtifactName: researchArtifact, DerivedFromVersion: rv}
						if err := s.store.SetDerivedFrom(name, ref); err != nil {
							return err
						}
					}
					artifact.ClearStale(s.meta, name)
				}
				fmt.Fprintf(a.out, "%s v%d\n", name, v)
				return a.propagate(s, name)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "trigger reason recorded with the version")
	return cmd
}

// propagate marks everything derived from an older version of upstream as
// stale and reports it.
func (a *app) propagate(s *session, upstream string) error {
	stale, err := s.store.Propagate(s.meta, upstream)
	if err != nil {
		return err
	}
	for _, st := range stale {
		fmt.Fprintf(a.errOut, "stale: %s\n", st.Reason())
		s.publish(events.ArtifactStale, map[string]any{
			"artifact": st.Artifact, "upstream": st.Upstream,
			"derived_from": st.DerivedFrom, "upstream_version": st.UpstreamVersion,
		})
	}
	return nil
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <artifact>",
		Short: "List the retained versions of an artifact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, runDir, err := a.resolveRun()
			if err != nil {
				return err
			}
			store := a.store(runDir)
			hist, err := store.History(args[0])
			if err != nil {
				return err
			}
			if len(hist) == 0 {
				fmt.Fprintf(a.out, "%s has no versions\n", args[0])
				return nil
			}
			cur, err := store.CurrentVersion(args[0])
			if err != nil {
				return err
			}
			for _, v := range hist {
				mark := " "
				if v.Version == cur {
					mark = "*"
				}
				line := fmt.Sprintf("%s v%-3d %s", mark, v.Version, v.CreatedAt)
				if v.TriggerReason != nil {
					line += "  " + *v.TriggerReason
				}
				if v.ReviewID != nil {
					line += "  review=" + *v.ReviewID
				}
				fmt.Fprintln(a.out, line)
			}
			return nil
		},
	}
}

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <artifact> <version>",
		Short: "Make a retained version current again (recorded as a new version)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			v, err := strconv.Atoi(args[1])
			if err != nil || v <= 0 {
				return fmt.Errorf("invalid version %q", args[1])
			}
			return a.withRun(cmd.Context(), lockOpts{active: true}, func(_ context.Context, s *session) error {
				if _, err := s.store.Restore(name, v); err != nil {
					if errors.Is(err, artifact.ErrVersionNotFound) {
						return fmt.Errorf("cannot restore: %w (see `tandem history %s`)", err, name)
					}
					return err
				}
				cur, err := s.store.CurrentVersion(name)
				if err != nil {
					return err
				}
				s.publish(events.ArtifactVersioned, map[string]any{"artifact": name, "version": cur, "restored": v})
				fmt.Fprintf(a.out, "%s v%d restored as v%d\n", name, v, cur)

				// The restored content may match or diverge from its lineage.
				stale, err := s.store.Staleness(name)
				if err != nil {
					return err
				}
				if stale == nil {
					artifact.ClearStale(s.meta, name)
				} else {
					artifact.MarkStale(s.meta, name)
				}
				return a.propagate(s, name)
			})
		},
	}
}
