package plugin

// Spec pairs a parsed manifest with the directory it was found in.
// Discovery produces one Spec per enabled, compatible plugin.
type Spec struct {
	Manifest     *Manifest
	Dir          string
	ManifestPath string
}

// Name returns the plugin name from the manifest.
func (s *Spec) Name() string {
	return s.Manifest.Name
}

// Grants returns the config key patterns this plugin may read.
func (s *Spec) Grants() []string {
	return s.Manifest.Grants()
}
