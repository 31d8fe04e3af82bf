package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/pensionrisk/riskcore/internal/kri"
	"github.com/pensionrisk/riskcore/internal/riskscore"
	"github.com/pensionrisk/riskcore/pkg/models"
)

// render writes v as indented JSON or as a human-readable table.
func render(w io.Writer, format string, v interface{}) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "human":
		return renderHuman(w, v)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func renderHuman(w io.Writer, v interface{}) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	switch v := v.(type) {
	case *riskscore.Result:
		fmt.Fprintf(tw, "Risk\t%s (%s)\n", v.RiskID, v.RiskTitle)
		inherent := fmt.Sprintf("%.2f", v.InherentRisk)
		if v.InherentDerived {
			inherent += " (likelihood x impact)"
		}
		fmt.Fprintf(tw, "Inherent\t%s\n", inherent)
		fmt.Fprintf(tw, "Residual\t%s -> %.2f\n", optional(v.OldResidual), v.NewResidual)
		fmt.Fprintf(tw, "Effectiveness\t%.2f%%\n", v.AggregateEffectiveness)
		fmt.Fprintf(tw, "Reduction\t%.2f%%\n", v.RiskReductionPct)
		fmt.Fprintf(tw, "Controls\t%d rated of %d\n", v.ControlDetails.RatedCount, v.ControlDetails.ControlCount)
		fmt.Fprintf(tw, "Detail\t%s\n", v.ControlDetails.Detail)

	case []riskscore.BatchItem:
		fmt.Fprintln(tw, "RISK\tRESIDUAL\tEFFECTIVENESS\tERROR")
		for _, it := range v {
			if it.Result == nil {
				fmt.Fprintf(tw, "%s\t-\t-\t%s\n", it.RiskID, it.Error)
				continue
			}
			fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t\n", it.RiskID, it.Result.NewResidual, it.Result.AggregateEffectiveness)
		}

	case *riskscore.Contribution:
		fmt.Fprintf(tw, "Risk\t%s\n", v.RiskID)
		fmt.Fprintf(tw, "Control\t%s\n", v.ControlID)
		fmt.Fprintf(tw, "With\t%.2f\n", v.With)
		fmt.Fprintf(tw, "Without\t%.2f\n", v.Without)
		fmt.Fprintf(tw, "Delta\t%+.2f\n", v.Delta)

	case *kri.Evaluation:
		fmt.Fprintf(tw, "KRI\t%s\n", v.KRIID)
		fmt.Fprintf(tw, "Value\t%s\n", optional(v.Value))
		fmt.Fprintf(tw, "Status\t%s\n", v.Status)
		fmt.Fprintf(tw, "Transition\t%s\n", v.Transition.Kind)
		if b := v.Transition.Breach; b != nil {
			fmt.Fprintf(tw, "Breach\t%s %s at %.2f (threshold %.2f)\n", b.ID, b.Level, b.BreachValue, b.ThresholdValue)
		}

	case *kri.TickResult:
		fmt.Fprintf(tw, "Run\t%s\n", v.RunID)
		fmt.Fprintf(tw, "Evaluated\t%d\n", v.Evaluated)
		fmt.Fprintf(tw, "Failed\t%d\n", v.Failed)
		fmt.Fprintf(tw, "Breached\t%d\n", v.Breached)
		fmt.Fprintf(tw, "Opened\t%d\n", v.Opened)
		fmt.Fprintf(tw, "Resolved\t%d\n", v.Resolved)

	case *models.KRISummary:
		fmt.Fprintf(tw, "KRIs\t%d\n", v.TotalKRIs)
		fmt.Fprintf(tw, "Breached\t%d (%d critical)\n", v.BreachedKRIs, v.CriticalKRIs)
		fmt.Fprintf(tw, "Unmeasured\t%d\n", v.UnmeasuredKRIs)
		fmt.Fprintf(tw, "Compliance\t%.2f%%\n", v.ComplianceRate)

	default:
		return render(w, "json", v)
	}
	return tw.Flush()
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
