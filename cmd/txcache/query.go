package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/gofhir/txcache"
	"github.com/gofhir/txcache/service"
)

var (
	errInvalidCode = errors.New("code is not valid")
	errNotFound    = errors.New("not found")
)

// ValidationOutput is the JSON form of a validate answer.
type ValidationOutput struct {
	System   string                    `json:"system,omitempty"`
	Code     string                    `json:"code"`
	ValueSet string                    `json:"valueSet,omitempty"`
	Valid    bool                      `json:"valid"`
	Display  string                    `json:"display,omitempty"`
	Outcome  *txcache.OperationOutcome `json:"outcome,omitempty"`
	Duration string                    `json:"duration"`
}

type codeFlags struct {
	system   string
	code     string
	display  string
	valueSet string
	infer    bool
}

func (a *App) newValidateCmd() *cobra.Command {
	f := &codeFlags{}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a code against a code system or value set",
		Long: `Validate a code with $validate-code semantics. Exits non-zero when the code
is not valid. A code nobody could validate is reported as such but is not an
error.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			svc, _, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			var display *string
			if cmd.Flags().Changed("display") {
				display = &f.display
			}

			start := time.Now()
			result, err := svc.Provider().ValidateCode(cmd.Context(),
				service.ValidationOptions{InferSystem: f.infer}, f.system, f.code, display, f.valueSet)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)

			out := ValidationOutput{
				System:   f.system,
				Code:     f.code,
				ValueSet: f.valueSet,
				Valid:    result == nil || result.Severity != service.SeverityError,
				Duration: elapsed.Round(time.Microsecond).String(),
			}
			if result != nil {
				out.Display = result.Display
			}
			if issue, ok := txcache.IssueFromValidation(result, "code"); ok {
				out.Outcome = txcache.NewOperationOutcome(issue)
			}

			if format == OutputJSON {
				if err := a.printJSON(out); err != nil {
					return err
				}
			} else {
				a.printValidation(out)
			}
			if !out.Valid {
				return errInvalidCode
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.system, "system", "", "Code system URL")
	cmd.Flags().StringVar(&f.code, "code", "", "Code to validate")
	cmd.Flags().StringVar(&f.display, "display", "", "Display to check")
	cmd.Flags().StringVar(&f.valueSet, "valueset", "", "ValueSet URL to validate against")
	cmd.Flags().BoolVar(&f.infer, "infer-system", false, "Infer the system from the value set")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func (a *App) printValidation(out ValidationOutput) {
	status := "VALID"
	if !out.Valid {
		status = "INVALID"
	}
	fmt.Fprintf(a.stdout, "== %s#%s ==\n", out.System, out.Code)
	if out.ValueSet != "" {
		fmt.Fprintf(a.stdout, "ValueSet: %s\n", out.ValueSet)
	}
	fmt.Fprintf(a.stdout, "Status: %s\n", status)
	if out.Display != "" {
		fmt.Fprintf(a.stdout, "Display: %s\n", out.Display)
	}
	fmt.Fprintf(a.stdout, "Duration: %s\n", out.Duration)
	if out.Outcome != nil {
		fmt.Fprintln(a.stdout, "\nIssues:")
		for _, iss := range out.Outcome.Issue {
			fmt.Fprintf(a.stdout, "  %s [%s] %s\n", severityLabel(iss.Severity), iss.Code, iss.Diagnostics)
		}
	}
}

func severityLabel(severity txcache.IssueSeverity) string {
	switch severity {
	case txcache.SeverityFatal, txcache.SeverityError:
		return "ERROR"
	case txcache.SeverityWarning:
		return "WARN "
	case txcache.SeverityInformation:
		return "INFO "
	default:
		return "     "
	}
}

// LookupOutput is the JSON form of a lookup answer.
type LookupOutput struct {
	System     string            `json:"system,omitempty"`
	Code       string            `json:"code"`
	Name       string            `json:"name,omitempty"`
	Version    string            `json:"version,omitempty"`
	Display    string            `json:"display,omitempty"`
	Properties []json.RawMessage `json:"properties,omitempty"`
}

func (a *App) newLookupCmd() *cobra.Command {
	f := &codeFlags{}
	var language string

	cmd := &cobra.Command{
		Use:   "lookup",
		Short: "Look up a code and print its display and properties",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			svc, _, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			result, err := svc.Provider().LookupCode(cmd.Context(), f.system, f.code, language)
			if err != nil {
				return err
			}
			if result == nil || !result.Found {
				return fmt.Errorf("code %s#%s: %w", f.system, f.code, errNotFound)
			}

			if format == OutputJSON {
				out := LookupOutput{
					System:  f.system,
					Code:    f.code,
					Name:    result.CodeSystemDisplayName,
					Version: result.CodeSystemVersion,
					Display: result.CodeDisplay,
				}
				for _, p := range result.Properties {
					raw, err := json.Marshal(p)
					if err != nil {
						return err
					}
					out.Properties = append(out.Properties, raw)
				}
				return a.printJSON(out)
			}

			fmt.Fprintf(a.stdout, "== %s#%s ==\n", f.system, f.code)
			if result.CodeSystemDisplayName != "" {
				fmt.Fprintf(a.stdout, "Code system: %s\n", result.CodeSystemDisplayName)
			}
			if result.CodeSystemVersion != "" {
				fmt.Fprintf(a.stdout, "Version: %s\n", result.CodeSystemVersion)
			}
			fmt.Fprintf(a.stdout, "Display: %s\n", result.CodeDisplay)
			for _, p := range result.Properties {
				switch v := p.(type) {
				case service.StringProperty:
					fmt.Fprintf(a.stdout, "  %s = %s\n", v.Name, v.Value)
				case service.CodingProperty:
					fmt.Fprintf(a.stdout, "  %s = %s#%s %s\n", v.Name, v.System, v.Code, v.Display)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&f.system, "system", "", "Code system URL")
	cmd.Flags().StringVar(&f.code, "code", "", "Code to look up")
	cmd.Flags().StringVar(&language, "language", "", "Display language")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func (a *App) newExpandCmd() *cobra.Command {
	var (
		url  string
		opts service.ExpansionOptions
	)

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Expand a value set",
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := a.outputFormat()
			if err != nil {
				return err
			}
			svc, _, err := a.newService()
			if err != nil {
				return err
			}
			defer svc.Close()

			ctx := cmd.Context()
			vs, err := svc.Provider().FetchValueSet(ctx, url)
			if err != nil {
				return err
			}
			if vs == nil {
				return fmt.Errorf("ValueSet %s: %w", url, errNotFound)
			}
			outcome, err := svc.Provider().ExpandValueSet(ctx, &opts, vs)
			if err != nil {
				return err
			}
			if outcome == nil || outcome.ValueSet == nil {
				if outcome != nil && outcome.Error != "" {
					return fmt.Errorf("expand %s: %s", url, outcome.Error)
				}
				return fmt.Errorf("no expansion available for %s", url)
			}

			if format == OutputJSON {
				return a.printJSON(outcome.ValueSet)
			}

			var contains []string
			if outcome.ValueSet.Expansion != nil {
				for _, c := range outcome.ValueSet.Expansion.Contains {
					contains = append(contains, fmt.Sprintf("  %s#%s %s",
						service.Deref(c.System), service.Deref(c.Code), service.Deref(c.Display)))
				}
			}
			fmt.Fprintf(a.stdout, "== %s ==\n", url)
			fmt.Fprintf(a.stdout, "Concepts: %d\n", len(contains))
			if len(contains) > 0 {
				fmt.Fprintln(a.stdout, strings.Join(contains, "\n"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&url, "valueset", "", "ValueSet URL")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "Text filter on code or display")
	cmd.Flags().IntVar(&opts.Offset, "offset", 0, "Skip this many concepts")
	cmd.Flags().IntVar(&opts.Count, "count", 0, "Return at most this many concepts (0 for all)")
	_ = cmd.MarkFlagRequired("valueset")
	return cmd
}

func (a *App) printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, string(out))
	return nil
}
