package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/auth"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/client"
	"github.com/averyhochheiser/carbon-gate/gate-engine/internal/models"
)

func checkCmd(v *viper.Viper) *cobra.Command {
	var (
		kg            float64
		gpu           string
		org           string
		gridIntensity float64
		noFail        bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Submit a job's carbon estimate and apply the gate decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			if kg <= 0 {
				return fmt.Errorf("--kg must be positive, got %v", kg)
			}
			p := newPrinter(v, cmd)

			prNumber := 0
			if raw := v.GetString("pr"); raw != "" {
				if prNumber, err = strconv.Atoi(raw); err != nil {
					return fmt.Errorf("pr number %q: %w", raw, err)
				}
			}
			req := client.CheckRequest{
				OrgID:                firstNonEmpty(org, file.Org),
				Repo:                 firstNonEmpty(v.GetString("repo"), file.Repo),
				Branch:               firstNonEmpty(v.GetString("branch"), file.Branch),
				PRNumber:             prNumber,
				KgCO2e:               kg,
				GPUType:              firstNonEmpty(gpu, file.GPU),
				GridIntensityGPerKWh: gridIntensity,
			}
			if req.Repo == "" {
				return fmt.Errorf("repository unknown: pass --repo, set GITHUB_REPOSITORY or add repo to carbon-gate.yml")
			}
			if req.GPUType == "" {
				return fmt.Errorf("gpu unknown: pass --gpu or add gpu to carbon-gate.yml")
			}

			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			d, err := c.Check(cmd.Context(), req)
			if err != nil {
				return err
			}
			reportDecision(p, d)
			if d.Status == models.StatusRerouteRecommended && !noFail {
				return errGateBlocked
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.Float64Var(&kg, "kg", 0, "estimated kgCO2e for the job")
	f.StringVar(&gpu, "gpu", "", "GPU type the job requests")
	f.StringVar(&org, "org", "", "organisation whose budget applies")
	f.String("repo", "", "repository (owner/name)")
	f.String("branch", "", "branch")
	f.String("pr", "", "pull request number")
	f.Float64Var(&gridIntensity, "grid-intensity", 0, "grid intensity in gCO2/kWh where the job would run")
	f.BoolVar(&noFail, "no-fail", false, "exit 0 even when a reroute is recommended")
	_ = cmd.MarkFlagRequired("kg")
	for _, name := range []string{"repo", "branch", "pr"} {
		_ = v.BindPFlag(name, f.Lookup(name))
	}
	return cmd
}

func reportDecision(p printer, d models.GateDecision) {
	data := map[string]interface{}{
		"status":        d.Status,
		"kgCO2e":        d.Estimate.KgCO2e,
		"periodUsageKg": d.PeriodUsageKg,
		"projectedKg":   d.ProjectedKg,
		"budgetKg":      d.Policy.BudgetKg,
		"eventId":       d.EventID,
	}
	if d.RecommendedModel != nil {
		data["recommendedModel"] = *d.RecommendedModel
		data["failOpen"] = d.FailOpen
	}
	if d.CarbonDiff != nil {
		data["carbonDiff"] = d.CarbonDiff
	}

	switch d.Status {
	case models.StatusRerouteRecommended:
		p.line("error", fmt.Sprintf("GATE BLOCKED: projected %.2f kg exceeds budget %.2f kg", d.ProjectedKg, d.Policy.BudgetKg), data)
	case models.StatusWarned:
		p.line("warn", fmt.Sprintf("WARNING: projected %.2f kg is past %.0f%% of budget", d.ProjectedKg, d.Policy.WarningPct), data)
	default:
		p.line("success", fmt.Sprintf("GATE PASSED: projected %.2f kg within budget %.2f kg", d.ProjectedKg, d.Policy.BudgetKg), data)
	}
	if p.json {
		return
	}
	p.line("info", d.Message, nil)
	if d.CarbonDiff != nil && d.CarbonDiff.Direction != "baseline" {
		p.line("info", fmt.Sprintf("Carbon diff vs previous run: %+.2f kg (%+.1f%%)", d.CarbonDiff.DeltaKg, d.CarbonDiff.DeltaPct), nil)
	}
}

func historyCmd(v *viper.Viper) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent gate events",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			events, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			p := newPrinter(v, cmd)
			if p.json {
				return p.value(events)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(p.w)
			tw.AppendHeader(table.Row{"Emitted", "Org", "Repo", "PR", "Status", "kgCO2e", "Model"})
			for _, ev := range events {
				status := string(ev.Status)
				if ev.Warned {
					status += " (warned)"
				}
				model := "-"
				if ev.RecommendedModel != nil {
					model = *ev.RecommendedModel
				}
				tw.AppendRow(table.Row{ev.EmittedAt.Format(time.RFC3339), ev.OrgID, ev.Repo, ev.PRNumber, status, fmt.Sprintf("%.2f", ev.KgCO2e), model})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum events to list")
	return cmd
}

func kpiCmd(v *viper.Viper) *cobra.Command {
	var start, end string
	cmd := &cobra.Command{
		Use:   "kpi",
		Short: "Summarise gate outcomes for a period",
		RunE: func(cmd *cobra.Command, args []string) error {
			from, err := parseOptionalTime(start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := parseOptionalTime(end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			s, err := c.KPI(cmd.Context(), from, to)
			if err != nil {
				return err
			}
			p := newPrinter(v, cmd)
			if p.json {
				return p.value(s)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(p.w)
			tw.SetTitle(fmt.Sprintf("%s to %s", s.PeriodStart.Format(time.RFC3339), s.PeriodEnd.Format(time.RFC3339)))
			tw.AppendHeader(table.Row{"Metric", "Value"})
			tw.AppendRows([]table.Row{
				{"Passed", s.PassedCount},
				{"Warned", s.WarnedCount},
				{"Reroute recommended", s.RerouteCount},
				{"Total kgCO2e", fmt.Sprintf("%.2f", s.TotalKgCO2e)},
				{"Estimated kgCO2e avoided", fmt.Sprintf("%.2f", s.EstimatedKgCO2eAvoided)},
			})
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "period start (RFC3339); defaults to the active period")
	cmd.Flags().StringVar(&end, "end", "", "period end (RFC3339, exclusive)")
	return cmd
}

func parseOptionalTime(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

func policyCmd(v *viper.Viper) *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Show or change an organisation's budget policy"}
	pol.AddCommand(&cobra.Command{
		Use:   "get [org]",
		Short: "Show the budget policy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			org := file.Org
			if len(args) == 1 {
				org = args[0]
			}
			if org == "" {
				return fmt.Errorf("org required")
			}
			p, err := c.GetPolicy(cmd.Context(), org)
			if err != nil {
				return err
			}
			return printPolicy(newPrinter(v, cmd), p)
		},
	})

	var budgetKg, warningPct float64
	set := &cobra.Command{
		Use:   "set <org>",
		Short: "Replace the budget policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			p, err := c.PutPolicy(cmd.Context(), args[0], budgetKg, warningPct)
			if err != nil {
				return err
			}
			return printPolicy(newPrinter(v, cmd), p)
		},
	}
	set.Flags().Float64Var(&budgetKg, "budget-kg", 0, "period budget in kgCO2e")
	set.Flags().Float64Var(&warningPct, "warning-pct", 80, "warning threshold as a percent of budget")
	_ = set.MarkFlagRequired("budget-kg")
	pol.AddCommand(set)
	return pol
}

func printPolicy(p printer, pol models.BudgetPolicy) error {
	if p.json {
		return p.value(pol)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(p.w)
	tw.AppendHeader(table.Row{"Org", "Budget kgCO2e", "Warning %", "Warning kgCO2e"})
	tw.AppendRow(table.Row{pol.OrgID, fmt.Sprintf("%.2f", pol.BudgetKg), fmt.Sprintf("%.0f", pol.WarningPct), fmt.Sprintf("%.2f", pol.WarningKg())})
	tw.Render()
	return nil
}

func providerCmd(v *viper.Viper) *cobra.Command {
	prov := &cobra.Command{Use: "provider", Short: "Low-carbon provider diagnostics"}
	prov.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Report whether the low-carbon provider has capacity",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := loadFile(v, cmd)
			if err != nil {
				return err
			}
			c, err := newClient(v, file)
			if err != nil {
				return err
			}
			ok, err := c.ProviderStatus(cmd.Context())
			if err != nil {
				return err
			}
			p := newPrinter(v, cmd)
			if ok {
				p.line("success", "low-carbon provider available", map[string]interface{}{"reachable": true})
			} else {
				p.line("warn", "low-carbon provider has no capacity", map[string]interface{}{"reachable": false})
			}
			return nil
		},
	})
	return prov
}

func tokenCmd(v *viper.Viper) *cobra.Command {
	var (
		secret  string
		issuer  string
		subject string
		org     string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a CI bearer token signed with the service secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret = firstNonEmpty(secret, v.GetString("jwt-secret"))
			verifier, err := auth.NewVerifier(auth.Config{Secret: secret, Issuer: issuer})
			if err != nil {
				return err
			}
			tok, err := verifier.Issue(subject, org, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&secret, "secret", "", "HS256 signing secret (default $CARBON_GATE_JWT_SECRET)")
	f.StringVar(&issuer, "issuer", "", "iss claim")
	f.StringVar(&subject, "subject", "ci", "sub claim")
	f.StringVar(&org, "org", "", "org claim")
	f.StringSliceVar(&scopes, "scope", []string{"gate:read", auth.DefaultWriteScope}, "scopes to grant")
	f.DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	return cmd
}
