package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/listing-pipeline/internal/media"
	"github.com/sells-group/listing-pipeline/internal/model"
)

// entityReport is the operator view of one entity.
type entityReport struct {
	Entity        model.Entity                `json:"entity"`
	Fields        map[string]model.FieldState `json:"fields"`
	Media         []model.MediaAsset          `json:"media"`
	Relationships []model.Relationship        `json:"relationships"`
	Timeline      []model.TimelineEvent       `json:"timeline,omitempty"`
}

func loadEntityReport(cmd *cobra.Command, env *pipelineEnv, id string, timelineLimit int) (*entityReport, error) {
	ctx := cmd.Context()
	snap, err := env.Gate.Snapshot(ctx, id)
	if err != nil {
		return nil, err
	}
	rels, err := env.Store.ListRelationships(ctx, id)
	if err != nil {
		return nil, eris.Wrap(err, "list relationships")
	}
	rep := &entityReport{Entity: snap.Entity, Fields: snap.Fields, Media: snap.Media, Relationships: rels}
	if timelineLimit > 0 {
		rep.Timeline, err = env.Timeline.History(ctx, id, timelineLimit)
		if err != nil {
			return nil, err
		}
	}
	return rep, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// -- inspect --

var inspectCmd = &cobra.Command{
	Use:   "inspect <entity-id>",
	Short: "Show an entity with its fields, media, relationships and timeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		field, _ := cmd.Flags().GetString("provenance")
		if field != "" {
			recs, err := env.Timeline.Provenance(cmd.Context(), args[0], field)
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, recs)
		}

		limit, _ := cmd.Flags().GetInt("timeline")
		rep, err := loadEntityReport(cmd, env, args[0], limit)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, rep)
	},
}

// -- evaluate --

var evaluateCmd = &cobra.Command{
	Use:   "evaluate <entity-id>",
	Short: "Run the quality gate on an entity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		publish, _ := cmd.Flags().GetBool("publish")
		if !publish {
			ev, err := env.Gate.Evaluate(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeJSON(os.Stdout, ev)
		}
		ev, published, err := env.Gate.ValidateAndPublish(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if published {
			fmt.Fprintf(os.Stderr, "published %s\n", args[0])
		}
		return writeJSON(os.Stdout, ev)
	},
}

// -- backfill-images --

var backfillImagesCmd = &cobra.Command{
	Use:   "backfill-images <entity-id> [image-url...]",
	Short: "Register and upload images for an entity",
	Long:  "Registers the given image URLs and uploads up to --max-immediate pending images. With --continue, images deferred by earlier runs are uploaded even when no new URL is given.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		maxImmediate, _ := cmd.Flags().GetInt("max-immediate")
		cont, _ := cmd.Flags().GetBool("continue")
		res, err := env.Media.BackfillImages(cmd.Context(), args[0], args[1:], maxImmediate, cont)
		if err != nil {
			return err
		}
		return writeJSON(os.Stdout, res)
	},
}

// -- lock-field --

var lockFieldCmd = &cobra.Command{
	Use:   "lock-field <entity-id> <field>",
	Short: "Lock a field against automated updates",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		unlock, _ := cmd.Flags().GetBool("unlock")
		if unlock {
			err = env.Consensus.UnlockField(cmd.Context(), args[0], args[1])
		} else {
			err = env.Consensus.LockField(cmd.Context(), args[0], args[1])
		}
		if err != nil {
			return err
		}
		state := "locked"
		if unlock {
			state = "unlocked"
		}
		fmt.Fprintf(os.Stdout, "%s %s on %s\n", state, args[1], args[0])
		return nil
	},
}

// -- merge --

var mergeCmd = &cobra.Command{
	Use:   "merge <entity-id> <entity-id>",
	Short: "Merge two entities; the older one survives",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initPipeline(cmd.Context(), "migrate")
		if err != nil {
			return err
		}
		defer env.Close()

		survivor, err := env.Resolver.Merge(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "merged into %s\n", survivor)
		return nil
	},
}

func init() {
	inspectCmd.Flags().Int("timeline", 50, "timeline events to include (0 to omit)")
	inspectCmd.Flags().String("provenance", "", "print the provenance log of one field instead")
	evaluateCmd.Flags().Bool("publish", false, "publish the entity when it passes")
	backfillImagesCmd.Flags().Int("max-immediate", media.MaxImmediate, "max images uploaded in this run")
	backfillImagesCmd.Flags().Bool("continue", false, "upload images deferred by earlier runs")
	lockFieldCmd.Flags().Bool("unlock", false, "remove the lock instead")
	rootCmd.AddCommand(inspectCmd, evaluateCmd, backfillImagesCmd, lockFieldCmd, mergeCmd)
}
