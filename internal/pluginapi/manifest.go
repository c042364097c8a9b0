package pluginapi

import "fmt"

// PluginManifest is the structure a guest component exports from its
// manifest() export, per the Plugin component ABI (spec §6).
type PluginManifest struct {
	Namespace   string
	Name        string
	Author      string
	Version     string
	Description string
	License     string
	URL         string
	PublicKey   []byte
	Metadata    map[string]string
	Capabilities []ManifestCapability
}

// ManifestCapability is one {kind, scope} entry of a manifest's declared
// capabilities, prior to selector compilation.
type ManifestCapability struct {
	Kind       CapabilityKind
	Expression string // selector expression text, empty for non-handler kinds
}

// ID returns the canonical "namespace/name" identifier used as the
// registry's catalog key.
func (m PluginManifest) ID() string {
	return fmt.Sprintf("%s/%s", m.Namespace, m.Name)
}

// Plugin is the registry's record for one installed plugin: its manifest,
// component bytes, compiled capabilities, and enabled flag.
type Plugin struct {
	Manifest     PluginManifest
	ComponentSHA Digest
	Component    []byte
	Capabilities []Capability
	Enabled      bool
	Metadata     map[string]string
}

// ID returns Manifest.ID().
func (p *Plugin) ID() string {
	return p.Manifest.ID()
}

// CapabilitiesOf returns the subset of p's capabilities matching kind, in
// declaration order.
func (p *Plugin) CapabilitiesOf(kind CapabilityKind) []Capability {
	var out []Capability
	for _, c := range p.Capabilities {
		if c.Kind.Equal(kind) {
			out = append(out, c)
		}
	}
	return out
}

// HandlesEvent reports whether p declares a HandleEvent(kind) capability.
func (p *Plugin) HandlesEvent(kind EventKind) bool {
	for _, c := range p.Capabilities {
		if c.Kind.HandleEvent != nil && *c.Kind.HandleEvent == kind {
			return true
		}
	}
	return false
}
