package tools

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Catalog holds the tool definitions known to the engine and their compiled
// argument schemas. It is safe for concurrent use.
type Catalog struct {
	mu      sync.RWMutex
	defs    map[string]*models.ToolDefinition
	schemas map[string]*jsonschema.Schema
}

// NewCatalog creates a catalog with the given definitions.
func NewCatalog(defs ...models.ToolDefinition) (*Catalog, error) {
	c := &Catalog{
		defs:    make(map[string]*models.ToolDefinition),
		schemas: make(map[string]*jsonschema.Schema),
	}
	for _, def := range defs {
		if err := c.Register(def); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Register adds or replaces a definition. The parameters schema is compiled
// up front so a broken schema fails at registration, not at call time.
func (c *Catalog) Register(def models.ToolDefinition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	switch def.Provider {
	case models.ProviderSearch, models.ProviderFileSearch, models.ProviderToolServer:
	default:
		return fmt.Errorf("tool %s: %w: %q", name, ErrUnknownProvider, def.Provider)
	}

	var schema *jsonschema.Schema
	if len(def.Parameters) > 0 {
		compiled, err := jsonschema.CompileString("tool_"+name+".json", string(def.Parameters))
		if err != nil {
			return fmt.Errorf("tool %s: invalid parameters schema: %w", name, err)
		}
		schema = compiled
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	d := def
	d.Name = name
	c.defs[name] = &d
	if schema != nil {
		c.schemas[name] = schema
	} else {
		delete(c.schemas, name)
	}
	return nil
}

// Get returns the definition for name.
func (c *Catalog) Get(name string) (*models.ToolDefinition, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.defs[name]
	return def, ok
}

// List returns all definitions sorted by name.
func (c *Catalog) List() []models.ToolDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.ToolDefinition, 0, len(c.defs))
	for _, def := range c.defs {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ForTenant returns the definitions the tenant is allowed to use, sorted by
// name. Names in the allow-list that are not in the catalog are ignored.
func (c *Catalog) ForTenant(tenant *models.TenantContext) []models.ToolDefinition {
	all := c.List()
	out := all[:0]
	for _, def := range all {
		if tenant.Allows(def.Name) {
			out = append(out, def)
		}
	}
	return out
}

// ValidateArguments checks args against the tool's parameters schema. Tools
// without a schema accept any object.
func (c *Catalog) ValidateArguments(name string, args map[string]any) error {
	c.mu.RLock()
	schema := c.schemas[name]
	c.mu.RUnlock()
	if schema == nil {
		return nil
	}

	// Round-trip through JSON so values have the types the validator expects.
	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}
