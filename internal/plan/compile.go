package plan

// Compiled is a description plus its layered plan and derived schemas,
// held by the registry and referenced by id at submit time.
type Compiled struct {
	Description *Description
	Layers      []Layer
	StepByID    map[string]*StepDefinition
	SecretSet   map[string]bool // names from Description.Secrets, for quick lookup
}

// Compile validates d, builds its layered plan, and returns the bound
// Compiled workflow. This is the sole entry point the registry uses.
func Compile(d *Description) (*Compiled, error) {
	if err := Validate(d); err != nil {
		return nil, err
	}
	layers, err := BuildLayers(d.Steps)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*StepDefinition, len(d.Steps))
	for i := range d.Steps {
		byID[d.Steps[i].ID] = &d.Steps[i]
	}
	secrets := make(map[string]bool, len(d.Secrets))
	for name := range d.Secrets {
		secrets[name] = true
	}
	return &Compiled{
		Description: d,
		Layers:      layers,
		StepByID:    byID,
		SecretSet:   secrets,
	}, nil
}

// Registry holds compiled workflows by id, the way a caller submits
// (workflowId, inputs) against an already-compiled set.
type Registry struct {
	workflows map[string]*Compiled
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{workflows: map[string]*Compiled{}}
}

// Register compiles d and stores it under d.ID, overwriting any prior
// compilation under the same id.
func (r *Registry) Register(d *Description) (*Compiled, error) {
	c, err := Compile(d)
	if err != nil {
		return nil, err
	}
	r.workflows[d.ID] = c
	return c, nil
}

// Get looks up a compiled workflow by id.
func (r *Registry) Get(id string) (*Compiled, bool) {
	c, ok := r.workflows[id]
	return c, ok
}
