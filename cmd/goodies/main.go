// cmd/goodies/main.go

// goodies is the replica CLI: it edits a local copy of the knowledge
// graph, works offline, and exchanges changes with a goodiesd server
// through the sync subcommand.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"

	"github.com/adrianco/the-goodies-sub002/internal/client"
	"github.com/adrianco/the-goodies-sub002/internal/config"
	"github.com/adrianco/the-goodies-sub002/internal/logging"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

var (
	configPath string
	serverFlag string
	dbFlag     string
	tokenFlag  string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "goodies: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "goodies",
		Short: "Knowledge graph replica",
		Long: `goodies keeps a local replica of a smart-home knowledge graph.
Edits land in the replica database immediately and flow to the server
on the next sync; conflicting edits from other devices surface through
the conflicts and resolve subcommands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "path to config file")
	pf.StringVar(&serverFlag, "server", "", "server base URL, overrides client.server_url")
	pf.StringVar(&dbFlag, "db", "", "replica database path, overrides client.dsn")
	pf.StringVar(&tokenFlag, "token", "", "bearer token, overrides client.token")

	root.AddCommand(
		newSyncCommand(),
		newStatusCommand(),
		newConflictsCommand(),
		newListCommand(),
		newGetCommand(),
		newCreateCommand(),
		newUpdateCommand(),
		newDeleteCommand(),
		newLinkCommand(),
		newResolveCommand(),
	)
	return root
}

// session bundles the loaded config, logger, and open replica every
// subcommand needs.
type session struct {
	cfg     *config.Config
	log     zerolog.Logger
	replica *client.Replica
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if serverFlag != "" {
		cfg.Client.ServerURL = serverFlag
	}
	if dbFlag != "" {
		cfg.Client.DSN = dbFlag
	}
	if tokenFlag != "" {
		cfg.Client.Token = tokenFlag
	}
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	replica, err := client.Open(ctx, client.Options{
		Driver:   cfg.Client.Driver,
		DSN:      cfg.Client.DSN,
		DeviceID: cfg.Client.DeviceID,
		UserID:   cfg.Client.UserID,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, log: log, replica: replica}, nil
}

func (s *session) close() { _ = s.replica.Close() }

func (s *session) syncer() *client.Syncer {
	transport := client.NewTransport(s.cfg.Client.ServerURL, s.cfg.Client.Token,
		&http.Client{Timeout: s.cfg.Client.HTTPTimeout})
	return client.NewSyncer(s.replica, transport, client.SyncerOptions{
		MaxBatch:    s.cfg.Client.MaxBatch,
		MaxAttempts: s.cfg.Client.MaxAttempts,
		BaseBackoff: s.cfg.Client.BaseBackoff,
		MaxFailures: s.cfg.Client.MaxFailures,
		Logger:      s.log,
	})
}

// parseContent decodes a --content flag value. Empty means "not set",
// which CreateEntity treats as an empty payload and UpdateEntity as
// "keep the current one".
func parseContent(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("content must be a JSON object: %w", err)
	}
	return m, nil
}

func newSyncCommand() *cobra.Command {
	var full bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Push local changes and pull changes from the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			sy := s.syncer()
			var res *client.Result
			if full {
				res, err = sy.FullSync(ctx)
			} else {
				res, err = sy.Sync(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Println(res)
			if res.Conflicts+res.Rejected > 0 {
				fmt.Printf("%d entities need attention; see goodies conflicts\n",
					res.Conflicts+res.Rejected)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "pull a full snapshot instead of a delta")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show replica identity, pending changes, and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			pending, err := s.replica.Pending(ctx)
			if err != nil {
				return err
			}
			conflicted, err := s.replica.Conflicted(ctx)
			if err != nil {
				return err
			}
			lastSync, err := s.replica.LastSync(ctx)
			if err != nil {
				return err
			}
			clock, err := s.replica.Store().VectorClock(ctx)
			if err != nil {
				return err
			}

			last := "never"
			if !lastSync.IsZero() {
				last = lastSync.Local().Format(time.RFC3339)
			}
			parts := make([]string, 0, len(clock.Clocks))
			for _, dev := range clock.Devices() {
				parts = append(parts, fmt.Sprintf("%s=%s", dev, clock.Counter(dev)))
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintf(w, "device\t%s\n", s.replica.DeviceID())
			fmt.Fprintf(w, "user\t%s\n", s.replica.UserID())
			fmt.Fprintf(w, "server\t%s\n", s.cfg.Client.ServerURL)
			fmt.Fprintf(w, "database\t%s\n", s.cfg.Client.DSN)
			fmt.Fprintf(w, "pending\t%d\n", len(pending))
			fmt.Fprintf(w, "conflicts\t%d\n", len(conflicted))
			fmt.Fprintf(w, "last sync\t%s\n", last)
			fmt.Fprintf(w, "clock\t%s\n", strings.Join(parts, " "))
			return w.Flush()
		},
	}
}

func newConflictsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "conflicts",
		Short: "List entities whose sync is blocked on a conflict",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			rows, err := s.replica.Conflicted(ctx)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Println("no conflicts")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ENTITY\tTYPE\tOPERATION\tRETRIES\tREASON")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					row.EntityID, row.EntityType, row.Operation, row.RetryCount, row.ConflictReason)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Println("\nresolve with: goodies resolve <entity-id>, then goodies sync")
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	var typeFlag string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List current entities in the replica",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ents, err := s.replica.Entities(ctx)
			if err != nil {
				return err
			}
			sort.Slice(ents, func(i, j int) bool {
				if ents[i].EntityType != ents[j].EntityType {
					return ents[i].EntityType < ents[j].EntityType
				}
				return ents[i].Name < ents[j].Name
			})

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tNAME\tVERSION")
			for _, ev := range ents {
				if ev.IsTombstone() {
					continue
				}
				if typeFlag != "" && string(ev.EntityType) != typeFlag {
					continue
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.ID, ev.EntityType, ev.Name, ev.Version)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&typeFlag, "type", "", "only show entities of this type")
	return cmd
}

func newGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-id>",
		Short: "Print one entity and its outgoing relationships as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ev, err := s.replica.Entity(ctx, args[0])
			if err != nil {
				return err
			}
			rels, err := s.replica.Relationships(ctx, args[0])
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(struct {
				Entity        *inbetweenies.EntityVersion `json:"entity"`
				Relationships []inbetweenies.Relationship `json:"relationships,omitempty"`
			}{ev, rels}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newCreateCommand() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "create <type> <name>",
		Short: "Create an entity in the replica",
		Long: `Create an entity of one of the graph types (home, room, device, user,
characteristic, service, procedure, manual, note, schedule, automation,
zone). The new entity is pending until the next sync.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payload, err := parseContent(content)
			if err != nil {
				return err
			}
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ev, err := s.replica.CreateEntity(ctx, inbetweenies.EntityType(args[0]), args[1], payload)
			if err != nil {
				return err
			}
			fmt.Printf("created %s %q\n  id      %s\n  version %s\n", ev.EntityType, ev.Name, ev.ID, ev.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "entity payload as a JSON object")
	return cmd
}

func newUpdateCommand() *cobra.Command {
	var name, content string
	cmd := &cobra.Command{
		Use:   "update <entity-id>",
		Short: "Write a new version of an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payload, err := parseContent(content)
			if err != nil {
				return err
			}
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ev, err := s.replica.UpdateEntity(ctx, args[0], name, payload)
			if err != nil {
				return err
			}
			fmt.Printf("updated %s to version %s\n", ev.ID, ev.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "new display name; empty keeps the current one")
	cmd.Flags().StringVar(&content, "content", "", "new payload as a JSON object; empty keeps the current one")
	return cmd
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <entity-id>",
		Short: "Delete an entity by writing a tombstone version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ev, err := s.replica.DeleteEntity(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("deleted %s (tombstone %s)\n", ev.ID, ev.Version)
			return nil
		},
	}
}

func newLinkCommand() *cobra.Command {
	var properties string
	cmd := &cobra.Command{
		Use:   "link <from-id> <type> <to-id>",
		Short: "Relate two entities",
		Long: `Relate two entities, e.g.

  goodies link <device-id> located_in <room-id>

The usual types are located_in, controls, part_of, connected_to,
monitors, depends_on, documented_by, automates, and manages. Linking
writes a new version of the from entity, so the edge syncs with it.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			props, err := parseContent(properties)
			if err != nil {
				return err
			}
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			rel, err := s.replica.AddRelationship(ctx, args[0], args[2],
				inbetweenies.RelationshipType(args[1]), props)
			if err != nil {
				return err
			}
			fmt.Printf("linked %s -[%s]-> %s\n", rel.FromID, rel.Type, rel.ToID)
			return nil
		},
	}
	cmd.Flags().StringVar(&properties, "properties", "", "edge properties as a JSON object")
	return cmd
}

func newResolveCommand() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "resolve <entity-id>",
		Short: "Merge the divergent versions of a conflicted entity",
		Long: `Merge every leaf version of a conflicted entity into one new version.
Without --content the leaf payloads are folded together, newest leaf
winning each key; with --content the given JSON object becomes the
merged payload.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			payload, err := parseContent(content)
			if err != nil {
				return err
			}
			s, err := openSession(ctx)
			if err != nil {
				return err
			}
			defer s.close()

			ev, err := s.replica.ResolveConflict(ctx, args[0], payload)
			if err != nil {
				return err
			}
			fmt.Printf("merged %s at version %s; run goodies sync to publish\n", ev.ID, ev.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "merged payload as a JSON object")
	return cmd
}
