package main

import (
	"fmt"
	"io"
	"strings"
	"unicode"

	"github.com/spf13/cobra"

	"github.com/sufield/devicefleet/internal/domain"
)

func (c *cli) deviceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Read devices and request lifecycle transitions",
	}
	cmd.AddCommand(c.describeCommand())
	for _, kind := range domain.Kinds() {
		spec, _ := domain.LookupTransition(kind)
		cmd.AddCommand(c.transitionCommand(spec))
	}
	return cmd
}

// DeviceOutput is the JSON/YAML shape of a device record.
type DeviceOutput struct {
	DeviceID   string `json:"device_id" yaml:"device_id"`
	Status     string `json:"status" yaml:"status"`
	SiteID     string `json:"site_id,omitempty" yaml:"site_id,omitempty"`
	WorkCellID string `json:"work_cell_id,omitempty" yaml:"work_cell_id,omitempty"`
}

func (c *cli) describeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "describe <device-id>",
		Short: "Show the backend's current record for a device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			d, err := stack.Console.Describe(cmd.Context(), domain.DeviceID(args[0]))
			if err != nil {
				return err
			}
			out := DeviceOutput{DeviceID: string(d.ID), Status: d.Status.String(), SiteID: d.SiteID, WorkCellID: d.WorkCellID}
			w := cmd.OutOrStdout()
			if done, err := c.emit(w, out); done {
				return err
			}
			fmt.Fprintf(w, "%s  %s\n", out.DeviceID, okFmt(out.Status))
			if out.SiteID != "" {
				fmt.Fprintf(w, "  Site:       %s\n", out.SiteID)
			}
			if out.WorkCellID != "" {
				fmt.Fprintf(w, "  Work cell:  %s\n", out.WorkCellID)
			}
			return nil
		},
	}
}

// OutcomeOutput is the JSON/YAML shape of a completed transition.
type OutcomeOutput struct {
	Kind            string         `json:"kind" yaml:"kind"`
	DeviceID        string         `json:"device_id" yaml:"device_id"`
	ResultingStatus string         `json:"resulting_status" yaml:"resulting_status"`
	Affected        []DeviceOutput `json:"affected" yaml:"affected"`
	Message         string         `json:"message,omitempty" yaml:"message,omitempty"`
	RequestID       string         `json:"request_id" yaml:"request_id"`
}

// transitionCommand builds one subcommand per catalogue entry. Every
// parameter becomes a kebab-case flag; the subject device id may also be
// given positionally.
func (c *cli) transitionCommand(spec domain.TransitionSpec) *cobra.Command {
	values := make(map[string]*string, len(spec.Required))
	positional := subjectParam(spec)

	cmd := &cobra.Command{
		Use:   fmt.Sprintf("%s [%s]", spec.PathSegment, flagName(positional)),
		Short: spec.Summary,
		Long:  transitionHelp(spec),
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := make(map[string]string, len(values))
			for name, v := range values {
				if *v != "" {
					params[name] = *v
				}
			}
			if len(args) == 1 {
				if prev, ok := params[positional]; ok && prev != args[0] {
					return usageError("device id given both as argument (%s) and --%s (%s)", args[0], flagName(positional), prev)
				}
				params[positional] = args[0]
			}

			if spec.Kind == domain.KindRetire && params[domain.ParamConfirmation] == "" {
				id := domain.DeviceID(params[domain.ParamDeviceID])
				answer, err := c.readPlain(cmd.InOrStdin(), cmd.ErrOrStderr(),
					fmt.Sprintf("Retiring is permanent. Type %s to confirm: ", domain.RetireConfirmation(id)))
				if err != nil {
					return err
				}
				params[domain.ParamConfirmation] = answer
			}

			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			out, err := stack.Console.Execute(cmd.Context(), spec.Kind, params)
			if err != nil {
				return err
			}
			return c.printOutcome(cmd.OutOrStdout(), out)
		},
	}
	for _, name := range spec.Required {
		v := new(string)
		values[name] = v
		cmd.Flags().StringVar(v, flagName(name), "", paramHelp(name))
	}
	return cmd
}

func (c *cli) printOutcome(w io.Writer, o domain.TransitionOutcome) error {
	out := OutcomeOutput{
		Kind:            string(o.Kind),
		DeviceID:        string(o.DeviceID),
		ResultingStatus: o.ResultingStatus.String(),
		Message:         o.Message,
		RequestID:       o.RequestID,
		Affected:        []DeviceOutput{},
	}
	for _, a := range o.Affected {
		out.Affected = append(out.Affected, DeviceOutput{DeviceID: string(a.DeviceID), Status: a.Status.String()})
	}
	if done, err := c.emit(w, out); done {
		return err
	}
	fmt.Fprintf(w, "%s %s %s -> %s\n", okFmt("✓"), out.Kind, out.DeviceID, okFmt(out.ResultingStatus))
	for _, a := range out.Affected {
		if a.DeviceID != out.DeviceID {
			fmt.Fprintf(w, "  also: %s -> %s\n", a.DeviceID, a.Status)
		}
	}
	if out.Message != "" {
		fmt.Fprintf(w, "  %s\n", out.Message)
	}
	fmt.Fprintf(w, "  %s\n", dimFmt("request "+out.RequestID))
	return nil
}

func subjectParam(spec domain.TransitionSpec) string {
	if spec.Kind == domain.KindReplace {
		return domain.ParamExistingDeviceID
	}
	return domain.ParamDeviceID
}

// flagName converts a parameter name like "workCellId" to "work-cell-id".
func flagName(param string) string {
	var b strings.Builder
	for i, r := range param {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func paramHelp(name string) string {
	switch name {
	case domain.ParamMaintenanceWindowHours:
		return fmt.Sprintf("Maintenance window in whole hours (1-%d)", domain.MaxMaintenanceWindowHours)
	case domain.ParamConfirmation:
		return "Confirmation phrase RETIRE-<device-id> (default: prompt)"
	default:
		return name
	}
}

func transitionHelp(spec domain.TransitionSpec) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s.\n\n", strings.ToUpper(spec.Summary[:1])+spec.Summary[1:])
	switch {
	case spec.AnyNonRetired:
		b.WriteString("Allowed from any status except Retired.\n")
	case len(spec.PriorStatuses) > 0:
		names := make([]string, 0, len(spec.PriorStatuses))
		for _, s := range spec.PriorStatuses {
			names = append(names, s.String())
		}
		fmt.Fprintf(&b, "Allowed from: %s.\n", strings.Join(names, ", "))
	default:
		b.WriteString("Creates a new device record.\n")
	}
	fmt.Fprintf(&b, "Resulting status: %s.\n", spec.Result)
	b.WriteString("\nThe backend enforces the prior status; a mismatch is reported as a conflict and nothing is retried.")
	return b.String()
}
