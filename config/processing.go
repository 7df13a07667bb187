package config

// PromptConfig overrides the built-in instruction texts. Empty fields and
// missing map entries keep the built-in value.
type PromptConfig struct {
	// Persona is the list of system messages opening every chat request
	Persona []string `yaml:"persona"`

	// Fachmodus maps a subject mode (AEVO, VWL, PERSONAL) to its domain context
	Fachmodus map[string]string `yaml:"fachmodus"`

	// RewriteSystem is the system message of the rewrite modes
	RewriteSystem string `yaml:"rewrite_system"`

	// RewriteModes maps easy, detailed and crisp to their instruction
	RewriteModes map[string]string `yaml:"rewrite_modes"`

	// RewriteStyles maps the style selector to a tone hint
	RewriteStyles map[string]string `yaml:"rewrite_styles"`

	// Topics maps a webhook tag to the regular expressions that set it.
	// Two matches set the tag; a pattern prefixed with "!" sets it alone.
	Topics map[string][]string `yaml:"topics"`
}
