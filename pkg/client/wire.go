package client

import (
	"maps"
	"slices"

	"github.com/cuemby/flowsync/pkg/types"
)

// revisionDTO is the optimistic-locking marker of every NiFi entity. Its JSON
// form is handed to the engine as the revision token.
type revisionDTO struct {
	ClientID string `json:"clientId,omitempty"`
	Version  int64  `json:"version"`
}

// entity is the envelope NiFi wraps every component in
type entity[T any] struct {
	ID        string      `json:"id,omitempty"`
	Revision  revisionDTO `json:"revision"`
	Component T           `json:"component"`
}

// envelope decodes only the identity of a response
type envelope struct {
	ID       string      `json:"id"`
	Revision revisionDTO `json:"revision"`
}

type runStatusEntity struct {
	Revision revisionDTO `json:"revision"`
	State    string      `json:"state"`
}

type propertyDescriptor struct {
	Name                        string `json:"name"`
	IdentifiesControllerService string `json:"identifiesControllerService,omitempty"`
}

// parameterContextRef binds a group to a context; a null id unbinds it
type parameterContextRef struct {
	ID *string `json:"id"`
}

type processGroupDTO struct {
	ID               string               `json:"id,omitempty"`
	ParentGroupID    string               `json:"parentGroupId,omitempty"`
	Name             string               `json:"name"`
	Comments         string               `json:"comments,omitempty"`
	ParameterContext *parameterContextRef `json:"parameterContext,omitempty"`
}

type controllerServiceDTO struct {
	ID               string                        `json:"id,omitempty"`
	ParentGroupID    string                        `json:"parentGroupId,omitempty"`
	Name             string                        `json:"name"`
	Type             string                        `json:"type,omitempty"`
	Comments         string                        `json:"comments,omitempty"`
	State            string                        `json:"state,omitempty"`
	ValidationStatus string                        `json:"validationStatus,omitempty"`
	Properties       map[string]*string            `json:"properties,omitempty"`
	Descriptors      map[string]propertyDescriptor `json:"descriptors,omitempty"`
}

type processorConfigDTO struct {
	Properties                       map[string]*string            `json:"properties,omitempty"`
	Descriptors                      map[string]propertyDescriptor `json:"descriptors,omitempty"`
	SchedulingPeriod                 string                        `json:"schedulingPeriod,omitempty"`
	ConcurrentlySchedulableTaskCount int                           `json:"concurrentlySchedulableTaskCount,omitempty"`
	AutoTerminatedRelationships      []string                      `json:"autoTerminatedRelationships"`
	Comments                         string                        `json:"comments,omitempty"`
}

type processorDTO struct {
	ID               string             `json:"id,omitempty"`
	ParentGroupID    string             `json:"parentGroupId,omitempty"`
	Name             string             `json:"name"`
	Type             string             `json:"type,omitempty"`
	State            string             `json:"state,omitempty"`
	ValidationStatus string             `json:"validationStatus,omitempty"`
	Config           processorConfigDTO `json:"config"`
}

type connectableDTO struct {
	ID      string `json:"id"`
	GroupID string `json:"groupId"`
	Type    string `json:"type"`
}

type connectionDTO struct {
	ID                          string          `json:"id,omitempty"`
	ParentGroupID               string          `json:"parentGroupId,omitempty"`
	Name                        string          `json:"name"`
	Source                      *connectableDTO `json:"source,omitempty"`
	Destination                 *connectableDTO `json:"destination,omitempty"`
	SelectedRelationships       []string        `json:"selectedRelationships"`
	BackPressureObjectThreshold int64           `json:"backPressureObjectThreshold,omitempty"`
}

type parameterDTO struct {
	Name      string  `json:"name"`
	Value     *string `json:"value"`
	Sensitive bool    `json:"sensitive"`
}

type parameterEntity struct {
	Parameter parameterDTO `json:"parameter"`
}

type parameterContextDTO struct {
	ID          string            `json:"id,omitempty"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Parameters  []parameterEntity `json:"parameters,omitempty"`
}

// flow listings

type idOnly struct {
	ID string `json:"id"`
}

type processGroupFlowEntity struct {
	ProcessGroupFlow struct {
		ID            string `json:"id"`
		ParentGroupID string `json:"parentGroupId"`
		Flow          struct {
			ProcessGroups []idOnly `json:"processGroups"`
			Processors    []idOnly `json:"processors"`
			Connections   []idOnly `json:"connections"`
		} `json:"flow"`
	} `json:"processGroupFlow"`
}

type controllerServicesEntity struct {
	ControllerServices []struct {
		ID            string `json:"id"`
		ParentGroupID string `json:"parentGroupId"`
	} `json:"controllerServices"`
}

type parameterContextsEntity struct {
	ParameterContexts []idOnly `json:"parameterContexts"`
}

type aboutEntity struct {
	About struct {
		Title   string `json:"title"`
		Version string `json:"version"`
	} `json:"about"`
}

// resource is the REST collection name of each kind
func resource(kind types.Kind) string {
	switch kind {
	case types.KindParameterContext:
		return "parameter-contexts"
	case types.KindProcessGroup:
		return "process-groups"
	case types.KindControllerService:
		return "controller-services"
	case types.KindProcessor:
		return "processors"
	case types.KindConnection:
		return "connections"
	default:
		return ""
	}
}

// properties merges plain properties and service references the way NiFi
// stores them: a service reference is a property holding the service id
func properties(props map[string]string, refs map[string]types.Reference) map[string]*string {
	if len(props) == 0 && len(refs) == 0 {
		return nil
	}
	out := make(map[string]*string, len(props)+len(refs))
	for k, v := range props {
		out[k] = &v
	}
	for k, r := range refs {
		if r.IsUnset() {
			out[k] = nil
			continue
		}
		id := r.ID
		out[k] = &id
	}
	return out
}

// splitProperties separates service references from plain properties using
// the property descriptors. Unset properties are dropped.
func splitProperties(props map[string]*string, desc map[string]propertyDescriptor) (map[string]string, map[string]types.Reference) {
	var plain map[string]string
	var refs map[string]types.Reference
	for _, k := range slices.Sorted(maps.Keys(props)) {
		v := props[k]
		if v == nil {
			continue
		}
		if desc[k].IdentifiesControllerService != "" {
			if refs == nil {
				refs = make(map[string]types.Reference)
			}
			refs[k] = types.Reference{Kind: types.KindControllerService, ID: *v}
			continue
		}
		if plain == nil {
			plain = make(map[string]string)
		}
		plain[k] = *v
	}
	return plain, refs
}

func groupSpec(d processGroupDTO) types.ProcessGroupSpec {
	s := types.ProcessGroupSpec{Name: d.Name, Comments: d.Comments}
	if d.ParameterContext != nil && d.ParameterContext.ID != nil && *d.ParameterContext.ID != "" {
		s.ParameterContext = types.Reference{Kind: types.KindParameterContext, ID: *d.ParameterContext.ID}
	}
	return s
}

func groupDTO(s types.ProcessGroupSpec) processGroupDTO {
	d := processGroupDTO{Name: s.Name, Comments: s.Comments}
	switch {
	case s.ParameterContext.IsUnset():
		d.ParameterContext = &parameterContextRef{}
	case s.ParameterContext.ID != "":
		id := s.ParameterContext.ID
		d.ParameterContext = &parameterContextRef{ID: &id}
	}
	return d
}

func serviceSpec(d controllerServiceDTO) types.ControllerServiceSpec {
	props, refs := splitProperties(d.Properties, d.Descriptors)
	return types.ControllerServiceSpec{
		Name:        d.Name,
		Type:        d.Type,
		Comments:    d.Comments,
		Properties:  props,
		ServiceRefs: refs,
	}
}

func serviceDTO(s types.ControllerServiceSpec) controllerServiceDTO {
	return controllerServiceDTO{
		Name:       s.Name,
		Type:       s.Type,
		Comments:   s.Comments,
		Properties: properties(s.Properties, s.ServiceRefs),
	}
}

func processorSpec(d processorDTO) types.ProcessorSpec {
	props, refs := splitProperties(d.Config.Properties, d.Config.Descriptors)
	return types.ProcessorSpec{
		Name:             d.Name,
		Type:             d.Type,
		Comments:         d.Config.Comments,
		Properties:       props,
		ServiceRefs:      refs,
		SchedulingPeriod: d.Config.SchedulingPeriod,
		Concurrency:      d.Config.ConcurrentlySchedulableTaskCount,
		AutoTerminate:    d.Config.AutoTerminatedRelationships,
	}
}

func processorDTOFrom(s types.ProcessorSpec) processorDTO {
	return processorDTO{
		Name: s.Name,
		Type: s.Type,
		Config: processorConfigDTO{
			Properties:                       properties(s.Properties, s.ServiceRefs),
			SchedulingPeriod:                 s.SchedulingPeriod,
			ConcurrentlySchedulableTaskCount: s.Concurrency,
			AutoTerminatedRelationships:      s.AutoTerminate,
			Comments:                         s.Comments,
		},
	}
}

func connectionSpec(d connectionDTO) types.ConnectionSpec {
	s := types.ConnectionSpec{
		Name:                        d.Name,
		Relationships:               d.SelectedRelationships,
		BackPressureObjectThreshold: d.BackPressureObjectThreshold,
	}
	if d.Source != nil {
		s.Source = types.Reference{Kind: types.KindProcessor, ID: d.Source.ID}
	}
	if d.Destination != nil {
		s.Destination = types.Reference{Kind: types.KindProcessor, ID: d.Destination.ID}
	}
	return s
}

// connectionDTOFrom builds the payload of a connection living in group
func connectionDTOFrom(s types.ConnectionSpec, group string) connectionDTO {
	return connectionDTO{
		Name:                        s.Name,
		Source:                      &connectableDTO{ID: s.Source.ID, GroupID: group, Type: "PROCESSOR"},
		Destination:                 &connectableDTO{ID: s.Destination.ID, GroupID: group, Type: "PROCESSOR"},
		SelectedRelationships:       s.Relationships,
		BackPressureObjectThreshold: s.BackPressureObjectThreshold,
	}
}

func parameterContextSpec(d parameterContextDTO) types.ParameterContextSpec {
	s := types.ParameterContextSpec{Name: d.Name, Description: d.Description}
	for _, p := range d.Parameters {
		if s.Parameters == nil {
			s.Parameters = make(map[string]string)
		}
		if p.Parameter.Value != nil {
			s.Parameters[p.Parameter.Name] = *p.Parameter.Value
		} else {
			s.Parameters[p.Parameter.Name] = ""
		}
		if p.Parameter.Sensitive {
			s.Sensitive = append(s.Sensitive, p.Parameter.Name)
		}
	}
	slices.Sort(s.Sensitive)
	return s
}

func parameterContextDTOFrom(s types.ParameterContextSpec) parameterContextDTO {
	d := parameterContextDTO{Name: s.Name, Description: s.Description}
	for _, name := range slices.Sorted(maps.Keys(s.Parameters)) {
		value := s.Parameters[name]
		d.Parameters = append(d.Parameters, parameterEntity{Parameter: parameterDTO{
			Name:      name,
			Value:     &value,
			Sensitive: s.IsSensitive(name),
		}})
	}
	return d
}

// Run states as NiFi names them

const (
	stateRunning  = "RUNNING"
	stateStopped  = "STOPPED"
	stateDisabled = "DISABLED"
	stateEnabled  = "ENABLED"
	stateEnabling = "ENABLING"
	stateInvalid  = "INVALID"
)

func processorStatus(d processorDTO) types.RunStatus {
	switch d.State {
	case stateRunning:
		return types.RunStatusRunning
	case stateDisabled:
		return types.RunStatusDisabled
	default:
		if d.ValidationStatus == stateInvalid {
			return types.RunStatusInvalid
		}
		return types.RunStatusStopped
	}
}

func serviceStatus(d controllerServiceDTO) types.RunStatus {
	switch d.State {
	case stateEnabled, stateEnabling:
		return types.RunStatusRunning
	default:
		if d.ValidationStatus == stateInvalid {
			return types.RunStatusInvalid
		}
		return types.RunStatusDisabled
	}
}

// wireState maps a requested run status onto the state NiFi accepts for kind
func wireState(kind types.Kind, status types.RunStatus) string {
	if kind == types.KindControllerService {
		if status == types.RunStatusRunning {
			return stateEnabled
		}
		return stateDisabled
	}
	switch status {
	case types.RunStatusRunning:
		return stateRunning
	case types.RunStatusDisabled:
		return stateDisabled
	default:
		return stateStopped
	}
}
