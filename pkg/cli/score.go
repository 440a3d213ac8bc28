package cli

import (
	"context"
	"fmt"

	"github.com/mchmarny/churnctl/pkg/analytics"
	"github.com/mchmarny/churnctl/pkg/data"
	"github.com/mchmarny/churnctl/pkg/eval"
	"github.com/mchmarny/churnctl/pkg/scoring"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v3"
)

var (
	customerIDFlag = &cli.StringFlag{
		Name:     "id",
		Usage:    "Customer identifier",
		Required: true,
	}

	contractFilterFlag = &cli.StringFlag{
		Name:  "contract",
		Usage: "Contract filter",
		Value: analytics.FilterAll,
	}

	internetFilterFlag = &cli.StringFlag{
		Name:  "internet",
		Usage: "Internet service filter",
		Value: analytics.FilterAll,
	}

	paymentFilterFlag = &cli.StringFlag{
		Name:  "payment",
		Usage: "Payment method filter",
		Value: analytics.FilterAll,
	}

	scoreCmd = &cli.Command{
		Name:   "score",
		Usage:  "Score and explain one customer with the persisted model",
		Flags:  []cli.Flag{customerIDFlag},
		Action: cmdScore,
	}

	customersCmd = &cli.Command{
		Name:   "customers",
		Usage:  "List customer identifiers",
		Action: cmdCustomers,
	}

	summaryCmd = &cli.Command{
		Name:   "summary",
		Usage:  "Churn KPIs and breakdowns",
		Flags:  []cli.Flag{contractFilterFlag, internetFilterFlag, paymentFilterFlag},
		Action: cmdSummary,
	}
)

// registryComparer serves the latest recorded comparison and runs one when
// the registry has none.
type registryComparer struct {
	cfg *appConfig
}

func (r registryComparer) Compare(ctx context.Context) ([]eval.ComparisonResult, error) {
	_, rows, err := data.GetLatestComparison(r.cfg.DB)
	if err == nil {
		return rows, nil
	}
	if !errors.Is(err, data.ErrNotFound) {
		return nil, err
	}
	c, err := compare(ctx, r.cfg, data.RunCompare)
	if err != nil {
		return nil, err
	}
	return c.Report.Results, nil
}

func newService(ctx context.Context, cfg *appConfig) (*scoring.Service, error) {
	s, err := scoring.New(scoring.Options{
		DatasetPath:  cfg.Conf.Data.Dataset,
		ArtifactPath: cfg.Conf.Data.Artifact,
		Loader:       loadModel(cfg),
		Explain:      cfg.Conf.Explain,
		Comparer:     registryComparer{cfg: cfg},
		Workers:      cfg.Conf.Serve.Workers,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func cmdScore(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	s, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	sc, err := s.Score(ctx, cmd.String(customerIDFlag.Name))
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, sc)
	}
	return printScore(cfg.Out, sc)
}

func cmdCustomers(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	s, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	ids, err := s.ListCustomers()
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, ids)
	}
	for _, id := range ids {
		fmt.Fprintln(cfg.Out, id)
	}
	return nil
}

func summaryFilter(contract, internet, payment string) analytics.Filter {
	return analytics.Filter{
		Contract:        contract,
		InternetService: internet,
		PaymentMethod:   payment,
	}
}

func cmdSummary(ctx context.Context, cmd *cli.Command) error {
	cfg := getConfig(cmd)
	s, err := newService(ctx, cfg)
	if err != nil {
		return err
	}
	sum, err := s.Summary(summaryFilter(
		cmd.String(contractFilterFlag.Name),
		cmd.String(internetFilterFlag.Name),
		cmd.String(paymentFilterFlag.Name)))
	if err != nil {
		return err
	}
	if cfg.Format != formatTable {
		return encode(cfg.Out, cfg.Format, sum)
	}
	return printSummary(cfg.Out, sum)
}
