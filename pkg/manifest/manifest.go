package manifest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cuemby/flowsync/pkg/types"
	"gopkg.in/yaml.v3"
)

// Document is one YAML document of a flow declaration
type Document struct {
	// Target is the id of the process group the declaration is reconciled
	// into; empty means the configured default
	Target string `yaml:"target,omitempty"`

	ParameterContexts []ParameterContext `yaml:"parameterContexts,omitempty"`
	Group             `yaml:",inline"`
}

// Group is the content of a process group
type Group struct {
	ControllerServices []ControllerService `yaml:"controllerServices,omitempty"`
	ProcessGroups      []ProcessGroup      `yaml:"processGroups,omitempty"`
	Processors         []Processor         `yaml:"processors,omitempty"`
	Connections        []Connection        `yaml:"connections,omitempty"`
}

// Common holds the fields every declared entity shares
type Common struct {
	Name      string       `yaml:"name"`
	ID        string       `yaml:"id,omitempty"` // bind to an existing entity
	DependsOn []Dependency `yaml:"dependsOn,omitempty"`
}

// Dependency is an explicit ordering edge to another declared entity
type Dependency struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
}

type ParameterContext struct {
	Common      `yaml:",inline"`
	Description string            `yaml:"description,omitempty"`
	Parameters  map[string]string `yaml:"parameters,omitempty"`
	Sensitive   []string          `yaml:"sensitive,omitempty"`
}

type ProcessGroup struct {
	Common           `yaml:",inline"`
	Comments         string `yaml:"comments,omitempty"`
	ParameterContext string `yaml:"parameterContext,omitempty"`
	Group            `yaml:",inline"`
}

type ControllerService struct {
	Common      `yaml:",inline"`
	Type        string            `yaml:"type"`
	Comments    string            `yaml:"comments,omitempty"`
	Properties  map[string]string `yaml:"properties,omitempty"`
	ServiceRefs map[string]string `yaml:"serviceRefs,omitempty"` // property → service name
	State       string            `yaml:"state,omitempty"`
}

type Processor struct {
	Common           `yaml:",inline"`
	Type             string            `yaml:"type"`
	Comments         string            `yaml:"comments,omitempty"`
	Properties       map[string]string `yaml:"properties,omitempty"`
	ServiceRefs      map[string]string `yaml:"serviceRefs,omitempty"`
	SchedulingPeriod string            `yaml:"schedulingPeriod,omitempty"`
	Concurrency      int               `yaml:"concurrency,omitempty"`
	AutoTerminate    []string          `yaml:"autoTerminate,omitempty"`
	State            string            `yaml:"state,omitempty"`
}

type Connection struct {
	Common                      `yaml:",inline"`
	Source                      string   `yaml:"source"`
	Destination                 string   `yaml:"destination"`
	Relationships               []string `yaml:"relationships,omitempty"`
	BackPressureObjectThreshold int64    `yaml:"backPressureObjectThreshold,omitempty"`
}

// Manifest is the merged declaration of one or more files
type Manifest struct {
	Target    string
	Documents []Document
	Sources   []string // files the documents were read from
}

// Error locates a declaration problem
type Error struct {
	File string
	Path string // e.g. processGroups[etl].processors[query]
	Msg  string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Msg)
	return b.String()
}

// Extensions lists the file extensions read from directories
var Extensions = []string{".yaml", ".yml"}

// Files expands paths into the declaration files they name. Directories
// contribute their YAML files, sorted, without recursion.
func Files(paths ...string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !slices.Contains(Extensions, filepath.Ext(e.Name())) {
				continue
			}
			files = append(files, filepath.Join(p, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no manifest files found in %s", strings.Join(paths, ", "))
	}
	return files, nil
}

// Load reads and merges the declarations found at paths
func Load(paths ...string) (*Manifest, error) {
	files, err := Files(paths...)
	if err != nil {
		return nil, err
	}
	m := &Manifest{}
	for _, file := range files {
		f, err := os.Open(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest: %w", err)
		}
		docs, err := Decode(f)
		f.Close()
		if err != nil {
			return nil, &Error{File: file, Msg: err.Error()}
		}
		for _, doc := range docs {
			if err := m.add(doc); err != nil {
				return nil, &Error{File: file, Msg: err.Error()}
			}
		}
		m.Sources = append(m.Sources, file)
	}
	return m, nil
}

// Decode reads every YAML document of r. Unknown fields are rejected.
func Decode(r io.Reader) ([]Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var docs []Document
	for {
		var doc Document
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return docs, nil
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
}

func (m *Manifest) add(doc Document) error {
	if doc.Target != "" {
		if m.Target != "" && m.Target != doc.Target {
			return fmt.Errorf("target %q conflicts with target %q declared earlier", doc.Target, m.Target)
		}
		m.Target = doc.Target
	}
	m.Documents = append(m.Documents, doc)
	return nil
}

// Desired converts the manifest into a desired tree rooted at the target
// group. defaultTarget is used when no document names one.
func (m *Manifest) Desired(defaultTarget string) (*types.DesiredNode, error) {
	target := m.Target
	if target == "" {
		target = defaultTarget
	}
	root := types.Target(target)

	var merged Document
	for _, doc := range m.Documents {
		merged.ParameterContexts = append(merged.ParameterContexts, doc.ParameterContexts...)
		merged.ControllerServices = append(merged.ControllerServices, doc.ControllerServices...)
		merged.ProcessGroups = append(merged.ProcessGroups, doc.ProcessGroups...)
		merged.Processors = append(merged.Processors, doc.Processors...)
		merged.Connections = append(merged.Connections, doc.Connections...)
	}

	for _, pc := range merged.ParameterContexts {
		n, err := parameterContext(pc)
		if err != nil {
			return nil, err
		}
		root.Children = append(root.Children, n)
	}
	children, err := group("", merged.Group)
	if err != nil {
		return nil, err
	}
	root.Children = append(root.Children, children...)

	if err := checkUnique("", root.Children); err != nil {
		return nil, err
	}
	return root, nil
}

func parameterContext(pc ParameterContext) (*types.DesiredNode, error) {
	path := "parameterContexts[" + pc.Name + "]"
	spec := types.ParameterContextSpec{
		Name:        pc.Name,
		Description: pc.Description,
		Parameters:  pc.Parameters,
		Sensitive:   slices.Sorted(slices.Values(pc.Sensitive)),
	}
	for _, s := range pc.Sensitive {
		if _, ok := pc.Parameters[s]; !ok {
			return nil, &Error{Path: path, Msg: fmt.Sprintf("sensitive parameter %q is not declared", s)}
		}
	}
	return finish(path, pc.Common, types.NewParameterContext(spec), "")
}

func group(prefix string, g Group) ([]*types.DesiredNode, error) {
	var out []*types.DesiredNode
	for _, cs := range g.ControllerServices {
		path := prefix + "controllerServices[" + cs.Name + "]"
		spec := types.ControllerServiceSpec{
			Name:        cs.Name,
			Type:        cs.Type,
			Comments:    cs.Comments,
			Properties:  cs.Properties,
			ServiceRefs: serviceRefs(cs.ServiceRefs),
		}
		if cs.Type == "" {
			return nil, &Error{Path: path, Msg: "type is required"}
		}
		n, err := finish(path, cs.Common, types.NewControllerService(spec), cs.State)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	for _, pg := range g.ProcessGroups {
		path := prefix + "processGroups[" + pg.Name + "]"
		spec := types.ProcessGroupSpec{Name: pg.Name, Comments: pg.Comments}
		if pg.ParameterContext != "" {
			spec.ParameterContext = types.RefTo(types.KindParameterContext, pg.ParameterContext)
		}
		children, err := group(path+".", pg.Group)
		if err != nil {
			return nil, err
		}
		if err := checkUnique(path+".", children); err != nil {
			return nil, err
		}
		n, err := finish(path, pg.Common, types.NewProcessGroup(spec, children...), "")
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	for _, p := range g.Processors {
		path := prefix + "processors[" + p.Name + "]"
		if p.Type == "" {
			return nil, &Error{Path: path, Msg: "type is required"}
		}
		if p.Concurrency < 0 {
			return nil, &Error{Path: path, Msg: "concurrency must not be negative"}
		}
		spec := types.ProcessorSpec{
			Name:             p.Name,
			Type:             p.Type,
			Comments:         p.Comments,
			Properties:       p.Properties,
			ServiceRefs:      serviceRefs(p.ServiceRefs),
			SchedulingPeriod: p.SchedulingPeriod,
			Concurrency:      p.Concurrency,
			AutoTerminate:    p.AutoTerminate,
		}
		n, err := finish(path, p.Common, types.NewProcessor(spec), p.State)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}

	for _, c := range g.Connections {
		path := prefix + "connections[" + c.Name + "]"
		if c.Source == "" || c.Destination == "" {
			return nil, &Error{Path: path, Msg: "source and destination are required"}
		}
		if len(c.Relationships) == 0 {
			return nil, &Error{Path: path, Msg: "at least one relationship is required"}
		}
		spec := types.ConnectionSpec{
			Name:                        c.Name,
			Source:                      types.RefTo(types.KindProcessor, c.Source),
			Destination:                 types.RefTo(types.KindProcessor, c.Destination),
			Relationships:               c.Relationships,
			BackPressureObjectThreshold: c.BackPressureObjectThreshold,
		}
		n, err := finish(path, c.Common, types.NewConnection(spec), "")
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// finish applies the shared fields to n
func finish(path string, c Common, n *types.DesiredNode, state string) (*types.DesiredNode, error) {
	if c.Name == "" {
		return nil, &Error{Path: path, Msg: "name is required"}
	}
	if c.ID != "" {
		n = n.WithID(c.ID)
	}
	if state != "" {
		status, err := types.ParseRunStatus(state)
		if err != nil {
			return nil, &Error{Path: path, Msg: err.Error()}
		}
		n = n.WithRunStatus(status)
	}
	for _, d := range c.DependsOn {
		kind, err := types.ParseKind(d.Kind)
		if err != nil {
			return nil, &Error{Path: path, Msg: "dependsOn: " + err.Error()}
		}
		if d.Name == "" {
			return nil, &Error{Path: path, Msg: "dependsOn: name is required"}
		}
		n = n.DependsOn(types.RefTo(kind, d.Name))
	}
	return n, nil
}

func serviceRefs(m map[string]string) map[string]types.Reference {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]types.Reference, len(m))
	for prop, name := range m {
		out[prop] = types.RefTo(types.KindControllerService, name)
	}
	return out
}

// checkUnique rejects two siblings of the same kind and name
func checkUnique(prefix string, nodes []*types.DesiredNode) error {
	seen := map[string]bool{}
	for _, n := range nodes {
		key := string(n.Ref.Kind) + "/" + n.Name()
		if seen[key] {
			return &Error{Path: strings.TrimSuffix(prefix, "."), Msg: fmt.Sprintf("%s %q is declared twice", n.Ref.Kind, n.Name())}
		}
		seen[key] = true
	}
	return nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
