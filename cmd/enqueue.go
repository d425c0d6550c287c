package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/toolscout/internal/config"
	"github.com/sells-group/toolscout/internal/model"
	"github.com/sells-group/toolscout/internal/queue"
)

type enqueueOptions struct {
	term      string
	platforms []string
	company   string
	title     string
	desc      string
	newCo     bool
	format    string
	path      string
	tool      string
	companyID int64
	urgent    bool
	priority  int
	id        string
}

var enqueueOpts enqueueOptions

var enqueueCmd = &cobra.Command{
	Use:       "enqueue <discover|classify|export|revalidate>",
	Short:     "Add a job to the persistent queue",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"discover", "classify", "export", "revalidate"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		p, err := buildPayload(model.JobType(args[0]), enqueueOpts)
		if err != nil {
			return err
		}
		if err := cfg.Validate(config.ModeAdmin); err != nil {
			return err
		}
		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		opts := queue.AddOptions{ID: enqueueOpts.id}
		if cmd.Flags().Changed("priority") {
			opts.Priority = &enqueueOpts.priority
		}
		job, err := queue.New(st, queueConfig(cfg.Queue)).AddJob(ctx, p, opts)
		if err != nil {
			return eris.Wrap(err, "enqueue")
		}

		zap.L().Info("job enqueued",
			zap.String("job_id", job.ID),
			zap.String("type", string(job.Type)),
			zap.Int("priority", job.Priority),
		)
		return printJSON(stdout, job)
	},
}

// buildPayload assembles the typed payload for t from command flags and
// validates it.
func buildPayload(t model.JobType, o enqueueOptions) (model.Payload, error) {
	var p model.Payload
	switch t {
	case model.JobTypeDiscover:
		p = model.DiscoverPayload{SearchTerm: o.term, Platforms: o.platforms, Urgent: o.urgent}
	case model.JobTypeClassify:
		p = model.ClassifyPayload{
			Company:      o.company,
			Title:        o.title,
			Description:  o.desc,
			IsNewCompany: o.newCo,
			Urgent:       o.urgent,
		}
	case model.JobTypeExport:
		p = model.ExportPayload{
			Format: model.ExportFormat(o.format),
			Path:   o.path,
			Tool:   model.ToolDetected(o.tool),
			Urgent: o.urgent,
		}
	case model.JobTypeRevalidate:
		p = model.RevalidatePayload{CompanyID: o.companyID, CompanyName: o.company}
	default:
		return nil, eris.Errorf("unknown job type %q", t)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func init() {
	f := enqueueCmd.Flags()
	f.StringVar(&enqueueOpts.term, "term", "", "search term (discover)")
	f.StringSliceVar(&enqueueOpts.platforms, "platforms", nil, "pin discovery to these platforms (discover)")
	f.StringVar(&enqueueOpts.company, "company", "", "company name (classify, revalidate)")
	f.StringVar(&enqueueOpts.title, "title", "", "job title (classify)")
	f.StringVar(&enqueueOpts.desc, "description", "", "job description (classify)")
	f.BoolVar(&enqueueOpts.newCo, "new-company", false, "company is not in the ledger yet (classify)")
	f.StringVar(&enqueueOpts.format, "format", "xlsx", "export format: xlsx or notion (export)")
	f.StringVar(&enqueueOpts.path, "path", "", "output file (export, xlsx)")
	f.StringVar(&enqueueOpts.tool, "tool", "", "only export companies using this tool (export)")
	f.Int64Var(&enqueueOpts.companyID, "company-id", 0, "ledger company id (revalidate)")
	f.BoolVar(&enqueueOpts.urgent, "urgent", false, "raise the job to urgent priority")
	f.IntVar(&enqueueOpts.priority, "priority", 0, "explicit priority override")
	f.StringVar(&enqueueOpts.id, "id", "", "idempotency key (default: random UUID)")
	rootCmd.AddCommand(enqueueCmd)
}
