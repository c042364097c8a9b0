package wasmhost

import "github.com/witmproxy/witmproxy/internal/pluginapi"

// ScopeImports narrows base to the service capabilities plugin's manifest
// actually declares (spec §4.4), substituting a denying decorator for any
// of Logger/LocalStorage/Annotator the plugin never asked for at
// registration time. HTTPClient and the capability-provider factory are not
// manifest-declared service capabilities in their own right — every plugin
// that reaches dispatch already passed registration, so those two pass
// through unscoped; a CapabilityProviderFactory refuses anything but
// "annotator" on its own (see AnnotatorOnlyProviderFactory), which is
// exactly the service the manifest capability gates.
func ScopeImports(base HostImports, plugin *pluginapi.Plugin) HostImports {
	scoped := base
	if !hasService(plugin, pluginapi.ServiceLogger) {
		scoped.Logger = DenyLogger{}
	}
	if !hasService(plugin, pluginapi.ServiceLocalStorage) {
		scoped.Storage = DenyStorage{}
	}
	if !hasService(plugin, pluginapi.ServiceAnnotator) {
		scoped.Annotator = DenyAnnotator{}
	}
	return scoped
}

func hasService(plugin *pluginapi.Plugin, svc pluginapi.ServiceCapability) bool {
	kind := pluginapi.CapabilityKind{Service: svc}
	return len(plugin.CapabilitiesOf(kind)) > 0
}
