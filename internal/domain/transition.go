package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// TransitionKind names one operator-initiated lifecycle transition.
type TransitionKind string

const (
	KindProvision  TransitionKind = "Provision"
	KindReceive    TransitionKind = "Receive"
	KindDeploy     TransitionKind = "Deploy"
	KindSuspend    TransitionKind = "Suspend"
	KindReactivate TransitionKind = "Reactivate"
	KindReplace    TransitionKind = "Replace"
	KindTransfer   TransitionKind = "Transfer"
	KindRetire     TransitionKind = "Retire"
)

// Transition parameter names.
const (
	ParamDeviceID               = "deviceId"
	ParamManufacturer           = "manufacturer"
	ParamModel                  = "model"
	ParamFirmwareVersion        = "firmwareVersion"
	ParamSiteID                 = "siteId"
	ParamWorkCellID             = "workCellId"
	ParamMaintenanceWindowHours = "maintenanceWindowHours"
	ParamExistingDeviceID       = "existingDeviceId"
	ParamNewDeviceID            = "newDeviceId"
	ParamCurrentSiteID          = "currentSiteId"
	ParamConfirmation           = "confirmation"
)

// MaxMaintenanceWindowHours bounds a Suspend maintenance window.
const MaxMaintenanceWindowHours = 12

// RetireConfirmationPrefix prefixes the device id in a Retire confirmation token.
const RetireConfirmationPrefix = "RETIRE-"

// RetireConfirmation returns the exact confirmation token Retire requires.
func RetireConfirmation(id DeviceID) string {
	return RetireConfirmationPrefix + string(id)
}

// TransitionSpec is one row of the transition catalogue.
type TransitionSpec struct {
	Kind TransitionKind
	// Operation is the backend operation name, e.g. "deployDevice".
	Operation string
	// PathSegment is the per-kind endpoint path segment.
	PathSegment string
	// PriorStatuses lists the statuses the backend must observe. Empty means
	// the device identifier must be new.
	PriorStatuses []DeviceStatus
	// IncomingPrior is the status the incoming device must have (Replace only).
	IncomingPrior DeviceStatus
	// AnyNonRetired accepts every status except Retired.
	AnyNonRetired bool
	Result        DeviceStatus
	// Required parameters, in the order they are validated.
	Required []string
	// Local lists parameters that gate the request locally and are not sent.
	Local []string
	Summary string

	checks []paramCheck
}

type paramCheck func(params map[string]string) error

var catalogue = []TransitionSpec{
	{
		Kind:        KindProvision,
		Operation:   "provisionDevice",
		PathSegment: "provision",
		Result:      StatusProvisioned,
		Required:    []string{ParamDeviceID, ParamManufacturer, ParamModel, ParamFirmwareVersion},
		Summary:     "register a new device identifier",
		checks:      []paramCheck{checkDeviceID(ParamDeviceID)},
	},
	{
		Kind:          KindReceive,
		Operation:     "receiveDevice",
		PathSegment:   "receive",
		PriorStatuses: []DeviceStatus{StatusProvisioned},
		Result:        StatusReceived,
		Required:      []string{ParamDeviceID, ParamSiteID},
		Summary:       "record arrival of a device at a site",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID)},
	},
	{
		Kind:          KindDeploy,
		Operation:     "deployDevice",
		PathSegment:   "deploy",
		PriorStatuses: []DeviceStatus{StatusReceived},
		Result:        StatusDeployed,
		Required:      []string{ParamDeviceID, ParamSiteID, ParamWorkCellID},
		Summary:       "put a received device into service in a work cell",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID)},
	},
	{
		Kind:          KindSuspend,
		Operation:     "suspendDevice",
		PathSegment:   "suspend",
		PriorStatuses: []DeviceStatus{StatusDeployed},
		Result:        StatusSuspended,
		Required:      []string{ParamDeviceID, ParamSiteID, ParamWorkCellID, ParamMaintenanceWindowHours},
		Summary:       "take a deployed device out of service for maintenance",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID), checkMaintenanceWindow},
	},
	{
		Kind:          KindReactivate,
		Operation:     "reactivateDevice",
		PathSegment:   "reactivate",
		PriorStatuses: []DeviceStatus{StatusSuspended},
		Result:        StatusDeployed,
		Required:      []string{ParamDeviceID, ParamSiteID, ParamWorkCellID},
		Summary:       "return a suspended device to service",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID)},
	},
	{
		Kind:          KindReplace,
		Operation:     "replaceDevice",
		PathSegment:   "replace",
		PriorStatuses: []DeviceStatus{StatusDeployed},
		IncomingPrior: StatusReceived,
		Result:        StatusDeployed,
		Required:      []string{ParamExistingDeviceID, ParamNewDeviceID, ParamSiteID, ParamWorkCellID},
		Summary:       "swap a deployed device for a received one; the old device is retired",
		checks: []paramCheck{
			checkDeviceID(ParamExistingDeviceID),
			checkDeviceID(ParamNewDeviceID),
			checkDistinctDevices,
		},
	},
	{
		Kind:          KindTransfer,
		Operation:     "transferDevice",
		PathSegment:   "transfer",
		PriorStatuses: []DeviceStatus{StatusDeployed, StatusReceived},
		Result:        StatusProvisioned,
		Required:      []string{ParamDeviceID, ParamCurrentSiteID},
		Summary:       "disassociate a device from its site",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID)},
	},
	{
		Kind:          KindRetire,
		Operation:     "retireDevice",
		PathSegment:   "retire",
		AnyNonRetired: true,
		Result:        StatusRetired,
		Required:      []string{ParamDeviceID, ParamSiteID, ParamConfirmation},
		Local:         []string{ParamConfirmation},
		Summary:       "permanently retire a device",
		checks:        []paramCheck{checkDeviceID(ParamDeviceID), checkRetireConfirmation},
	},
}

var catalogueIndex = func() map[TransitionKind]*TransitionSpec {
	idx := make(map[TransitionKind]*TransitionSpec, len(catalogue))
	for i := range catalogue {
		idx[catalogue[i].Kind] = &catalogue[i]
	}
	return idx
}()

// Kinds returns every transition kind in catalogue order.
func Kinds() []TransitionKind {
	out := make([]TransitionKind, len(catalogue))
	for i, s := range catalogue {
		out[i] = s.Kind
	}
	return out
}

// LookupTransition returns the catalogue row for kind.
func LookupTransition(kind TransitionKind) (TransitionSpec, bool) {
	s, ok := catalogueIndex[kind]
	if !ok {
		return TransitionSpec{}, false
	}
	return *s, true
}

// ParseTransitionKind resolves a kind by name, case-insensitively. Both the
// kind name ("Deploy") and the path segment ("deploy") are accepted.
func ParseTransitionKind(name string) (TransitionKind, error) {
	name = strings.TrimSpace(name)
	for _, s := range catalogue {
		if strings.EqualFold(string(s.Kind), name) || strings.EqualFold(s.PathSegment, name) {
			return s.Kind, nil
		}
	}
	return "", &ValidationError{Field: "transitionKind", Reason: fmt.Sprintf("unknown transition %q", name)}
}

// Allows reports whether a device in status from may undergo this transition,
// as far as the catalogue knows. The backend remains the authority.
func (s TransitionSpec) Allows(from DeviceStatus) bool {
	if s.AnyNonRetired {
		return from != StatusRetired && from != StatusUnknown
	}
	for _, p := range s.PriorStatuses {
		if p == from {
			return true
		}
	}
	return false
}

// Accepts reports whether name is a parameter of this transition.
func (s TransitionSpec) Accepts(name string) bool {
	for _, r := range s.Required {
		if r == name {
			return true
		}
	}
	return false
}

// IsLocal reports whether name gates the request locally and is not sent.
func (s TransitionSpec) IsLocal(name string) bool {
	for _, l := range s.Local {
		if l == name {
			return true
		}
	}
	return false
}

// SubjectDevice returns the device the transition is addressed to. For
// Replace that is the existing (outgoing) device.
func (s TransitionSpec) SubjectDevice(params map[string]string) DeviceID {
	if s.Kind == KindReplace {
		return DeviceID(strings.TrimSpace(params[ParamExistingDeviceID]))
	}
	return DeviceID(strings.TrimSpace(params[ParamDeviceID]))
}

// ResultDevice returns the device whose status becomes Result. For Replace
// that is the incoming device.
func (s TransitionSpec) ResultDevice(params map[string]string) DeviceID {
	if s.Kind == KindReplace {
		return DeviceID(strings.TrimSpace(params[ParamNewDeviceID]))
	}
	return DeviceID(strings.TrimSpace(params[ParamDeviceID]))
}

// ValidateTransition is the single structural validator for every kind. It
// checks presence of each required parameter, rejects parameters the kind
// does not take, then runs the kind's own checks.
func ValidateTransition(kind TransitionKind, params map[string]string) error {
	spec, ok := LookupTransition(kind)
	if !ok {
		return &ValidationError{Field: "transitionKind", Reason: fmt.Sprintf("unknown transition %q", kind)}
	}
	for _, name := range spec.Required {
		if strings.TrimSpace(params[name]) == "" {
			return &ValidationError{Field: name, Reason: "is required"}
		}
	}
	for name := range params {
		if !spec.Accepts(name) {
			return &ValidationError{Field: name, Reason: fmt.Sprintf("is not a parameter of %s", kind)}
		}
	}
	for _, check := range spec.checks {
		if err := check(params); err != nil {
			return err
		}
	}
	return nil
}

func checkDeviceID(field string) paramCheck {
	return func(params map[string]string) error {
		if err := DeviceID(params[field]).Validate(); err != nil {
			return &ValidationError{Field: field, Reason: err.(*ValidationError).Reason}
		}
		return nil
	}
}

func checkMaintenanceWindow(params map[string]string) error {
	raw := strings.TrimSpace(params[ParamMaintenanceWindowHours])
	hours, err := strconv.Atoi(raw)
	if err != nil {
		return &ValidationError{Field: ParamMaintenanceWindowHours, Reason: "must be a whole number of hours"}
	}
	if hours < 1 || hours > MaxMaintenanceWindowHours {
		return &ValidationError{
			Field:  ParamMaintenanceWindowHours,
			Reason: fmt.Sprintf("must be between 1 and %d", MaxMaintenanceWindowHours),
		}
	}
	return nil
}

// checkRetireConfirmation compares exactly: no trimming, no case folding.
func checkRetireConfirmation(params map[string]string) error {
	want := RetireConfirmation(DeviceID(params[ParamDeviceID]))
	if params[ParamConfirmation] != want {
		return &ValidationError{
			Field:  ParamConfirmation,
			Reason: fmt.Sprintf("must exactly match %q", want),
		}
	}
	return nil
}

func checkDistinctDevices(params map[string]string) error {
	if strings.TrimSpace(params[ParamExistingDeviceID]) == strings.TrimSpace(params[ParamNewDeviceID]) {
		return &ValidationError{Field: ParamNewDeviceID, Reason: "must differ from existingDeviceId"}
	}
	return nil
}

// TransitionRequest is the ephemeral value built per Execute call.
type TransitionRequest struct {
	Kind       TransitionKind
	DeviceID   DeviceID
	Parameters map[string]string
	Caller     *UserIdentity
}

// NewTransitionRequest validates params and returns a request owning a copy
// of them.
func NewTransitionRequest(kind TransitionKind, params map[string]string, caller *UserIdentity) (TransitionRequest, error) {
	if err := ValidateTransition(kind, params); err != nil {
		return TransitionRequest{}, err
	}
	spec, _ := LookupTransition(kind)
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	return TransitionRequest{
		Kind:       kind,
		DeviceID:   spec.SubjectDevice(params),
		Parameters: cp,
		Caller:     caller.Clone(),
	}, nil
}

// TransitionOutcome is the interpreted result of a successful transition.
type TransitionOutcome struct {
	Kind            TransitionKind
	DeviceID        DeviceID
	ResultingStatus DeviceStatus
	// Affected lists every device whose status the backend reported changing.
	Affected  []StatusChange
	Message   string
	RequestID string
}
