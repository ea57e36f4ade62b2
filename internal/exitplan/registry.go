package exitplan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"moonwatch/internal/logger"
	"moonwatch/internal/strategy/exit"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the tp_policy YAML file.
type FileConfig struct {
	TPPolicy PolicyTables `mapstructure:"tp_policy" yaml:"tp_policy"`
}

type PolicyTables struct {
	Normal  []exit.Tier `mapstructure:"normal" yaml:"normal"`
	HighVol []exit.Tier `mapstructure:"high_vol" yaml:"high_vol"`
}

// Snapshot is the currently active policy and where it came from.
type Snapshot struct {
	Version  int64
	LoadedAt time.Time
	Source   string
	Policy   *exit.Policy
}

// ChangeListener fires after a successful reload.
type ChangeListener func(Snapshot)

const policySchema = `{
  "type": "object",
  "required": ["tp_policy"],
  "properties": {
    "tp_policy": {
      "type": "object",
      "required": ["normal", "high_vol"],
      "additionalProperties": false,
      "properties": {
        "normal":   {"$ref": "#/definitions/tiers"},
        "high_vol": {"$ref": "#/definitions/tiers"}
      }
    }
  },
  "definitions": {
    "tiers": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["min_confidence", "target_pct"],
        "additionalProperties": false,
        "properties": {
          "min_confidence": {"type": "number", "minimum": 0, "maximum": 100},
          "target_pct": {"type": "number", "exclusiveMinimum": 0}
        }
      }
    }
  }
}`

var compiledSchema = mustCompileSchema(policySchema)

// Registry holds the TP policy. Without a file it serves the built-in table;
// with one it validates the file and, when watching, swaps the policy on
// every valid edit. Invalid edits are logged and the previous table stays.
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry builds a registry. An empty path means built-in defaults.
func NewRegistry(path string, watch bool) (*Registry, error) {
	r := &Registry{path: strings.TrimSpace(path)}
	if r.path == "" {
		r.snapshot = Snapshot{Version: 1, LoadedAt: time.Now(), Source: "builtin", Policy: exit.DefaultPolicy()}
		return r, nil
	}
	if err := r.reload(); err != nil {
		return nil, err
	}
	if watch {
		v := viper.New()
		v.SetConfigFile(r.path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read tp policy config failed: %w", err)
		}
		v.OnConfigChange(func(evt fsnotify.Event) {
			if err := r.reload(); err != nil {
				logger.Errorf("tp policy reload failed (%s): %v", evt.Name, err)
				return
			}
			r.notifyListeners()
		})
		v.WatchConfig()
		r.v = v
	}
	return r, nil
}

// Policy returns the active table.
func (r *Registry) Policy() *exit.Policy {
	if r == nil {
		return exit.DefaultPolicy()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.snapshot.Policy == nil {
		return exit.DefaultPolicy()
	}
	return r.snapshot.Policy
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}

// Subscribe registers fn for future reloads.
func (r *Registry) Subscribe(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Reload re-reads the file on demand.
func (r *Registry) Reload() error {
	if r.path == "" {
		return nil
	}
	if err := r.reload(); err != nil {
		return err
	}
	r.notifyListeners()
	return nil
}

func (r *Registry) reload() error {
	policy, err := LoadPolicyFile(r.path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:  r.snapshot.Version + 1,
		LoadedAt: time.Now(),
		Source:   r.path,
		Policy:   policy,
	}
	r.mu.Unlock()
	logger.Infof("tp policy loaded from %s (normal=%d tiers, highVol=%d tiers)",
		filepath.Base(r.path), len(policy.Tiers(exit.RegimeNormal)), len(policy.Tiers(exit.RegimeHighVol)))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := r.snapshot
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer safeRecover("tp policy listener")
			cb(snap)
		}(fn)
	}
}

// LoadPolicyFile reads, schema-checks and validates a policy file.
func LoadPolicyFile(path string) (*exit.Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tp policy failed: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy decodes YAML policy content.
func ParsePolicy(raw []byte) (*exit.Policy, error) {
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse tp policy failed: %w", err)
	}
	normalized, err := jsonRoundTrip(doc)
	if err != nil {
		return nil, err
	}
	if err := compiledSchema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("tp policy schema: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode tp policy failed: %w", err)
	}
	return exit.NewPolicy(map[exit.Regime][]exit.Tier{
		exit.RegimeNormal:  cfg.TPPolicy.Normal,
		exit.RegimeHighVol: cfg.TPPolicy.HighVol,
	})
}

// MarshalPolicy renders a policy in the file format.
func MarshalPolicy(p *exit.Policy) ([]byte, error) {
	cfg := FileConfig{TPPolicy: PolicyTables{
		Normal:  p.Tiers(exit.RegimeNormal),
		HighVol: p.Tiers(exit.RegimeHighVol),
	}}
	return yaml.Marshal(cfg)
}

// yaml.v3 yields int for whole numbers; the schema validator wants JSON types.
func jsonRoundTrip(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("tp policy: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("tp policy: %w", err)
	}
	return out, nil
}

func mustCompileSchema(src string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("tp_policy.json", strings.NewReader(src)); err != nil {
		panic(err)
	}
	return compiler.MustCompile("tp_policy.json")
}

func safeRecover(tag string) {
	if r := recover(); r != nil {
		logger.Errorf("%s panic: %v", tag, r)
	}
}
