package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/sufield/devicefleet/internal/domain"
	"github.com/sufield/devicefleet/internal/ports"
)

func (c *cli) loginCommand() *cobra.Command {
	var passwordFile, code string

	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Sign in and store the session",
		Long: `Sign in against the identity provider. When the provider asks for a
one-time code or a new password, fleetctl prompts for it and continues the
same sign-in attempt.

Examples:
  fleetctl login ana
  fleetctl login ana --password-file ~/.fleet-pw --code 123456`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stack, err := c.open(ctx)
			if err != nil {
				return err
			}
			console := stack.Console
			in, errOut := cmd.InOrStdin(), cmd.ErrOrStderr()

			var password string
			if passwordFile != "" && passwordFile != "-" {
				password, err = readSecretFile(passwordFile)
			} else {
				password, err = c.readSecret(in, errOut, "Password: ")
			}
			if err != nil {
				return err
			}

			res := console.SignIn(ctx, ports.SignInInput{Username: args[0], Password: password})
			for retries := 0; ; {
				switch res.Outcome {
				case domain.OutcomeSuccess:
					return c.printSession(cmd.OutOrStdout(), res.Session)
				case domain.OutcomeMultiFactorRequired:
					answer := code
					code = ""
					if answer == "" {
						if answer, err = c.readPlain(in, errOut, mfaPrompt(res.Attempt)); err != nil {
							return err
						}
					}
					res = console.SignIn(ctx, ports.SignInInput{ChallengeResponse: answer, Attempt: res.Attempt})
				case domain.OutcomeCredentialResetRequired:
					fmt.Fprintln(errOut, warnFmt("A new password is required."))
					pw, err := c.readSecret(in, errOut, "New password: ")
					if err != nil {
						return err
					}
					res = console.CompleteCredentialReset(ctx, pw)
				default:
					// A rejected code or password leaves the attempt open.
					if res.Attempt == nil || !c.stdinIsTerminal() || retries >= maxChallengeRetries {
						return res.Err
					}
					retries++
					fmt.Fprintf(errOut, "%s %v\n", warnFmt("Rejected:"), res.Err)
					res = domain.NewChallengeResult(res.Session, res.Attempt)
				}
			}
		},
	}
	cmd.Flags().StringVar(&passwordFile, "password-file", "", "Read the password from this file (default: prompt)")
	cmd.Flags().StringVar(&code, "code", "", "One-time code, if the provider asks for one")
	return cmd
}

const maxChallengeRetries = 2

func mfaPrompt(a *domain.Attempt) string {
	if a != nil && a.MFAMedium == "SOFTWARE_TOKEN_MFA" {
		return "Authenticator code: "
	}
	return "Code sent to your phone: "
}

func (c *cli) logoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			stack.Console.SignOut(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), okFmt("Signed out."))
			return nil
		},
	}
}

// WhoamiOutput is the JSON/YAML shape of whoami.
type WhoamiOutput struct {
	State       string   `json:"state" yaml:"state"`
	Subject     string   `json:"subject,omitempty" yaml:"subject,omitempty"`
	Username    string   `json:"username,omitempty" yaml:"username,omitempty"`
	DisplayName string   `json:"display_name,omitempty" yaml:"display_name,omitempty"`
	Email       string   `json:"email,omitempty" yaml:"email,omitempty"`
	Groups      []string `json:"groups" yaml:"groups"`
	GroupSource string   `json:"group_source,omitempty" yaml:"group_source,omitempty"`
}

func (c *cli) whoamiCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in operator and their groups",
		Long: `Display the current session. Returns exit code 2 when no one is signed in.

Examples:
  fleetctl whoami
  fleetctl whoami -o json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			stack, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			s := stack.Console.Session()
			if err := c.printSession(cmd.OutOrStdout(), s); err != nil {
				return err
			}
			if !s.Authenticated {
				return &domain.AuthError{Reason: "no active session"}
			}
			return nil
		},
	}
}

func (c *cli) printSession(w io.Writer, s domain.Session) error {
	out := WhoamiOutput{State: s.State(), Groups: []string{}}
	if u := s.Subject; u != nil {
		out.Subject = u.Subject
		out.Username = u.Username
		out.DisplayName = u.DisplayName()
		out.Email = u.Email
		out.Groups = u.Groups.Names()
		out.GroupSource = u.GroupSource.String()
	}
	if done, err := c.emit(w, out); done {
		return err
	}
	if !s.Authenticated {
		fmt.Fprintf(w, "%s (%s)\n", warnFmt("Not signed in"), out.State)
		return nil
	}
	fmt.Fprintf(w, "%s %s\n", okFmt("Signed in as"), out.DisplayName)
	fmt.Fprintf(w, "  Subject:  %s\n", out.Subject)
	if out.Email != "" {
		fmt.Fprintf(w, "  Email:    %s\n", out.Email)
	}
	fmt.Fprintf(w, "  Groups:   %v %s\n", out.Groups, dimFmt("("+out.GroupSource+")"))
	return nil
}
