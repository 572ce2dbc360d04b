package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true if the persona text, names or time zone changed.
	PersonaChanged bool

	// RetrievalChanged is true if top_n, budget or brand changed.
	RetrievalChanged bool

	// StaticKnowledgeChanged is true if the curated knowledge text or file
	// changed.
	StaticKnowledgeChanged bool

	// RestartRequired lists changed fields that only take effect on restart.
	RestartRequired []string
}

// IsZero reports whether nothing changed.
func (d ConfigDiff) IsZero() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.RetrievalChanged &&
		!d.StaticKnowledgeChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.PersonaChanged = old.Persona != new.Persona

	d.RetrievalChanged = old.Knowledge.TopN != new.Knowledge.TopN ||
		old.Knowledge.Budget != new.Knowledge.Budget ||
		old.Knowledge.Brand != new.Knowledge.Brand

	d.StaticKnowledgeChanged = old.Knowledge.StaticText != new.Knowledge.StaticText ||
		old.Knowledge.StaticFile != new.Knowledge.StaticFile

	restart := func(field string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, field)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("llm", old.LLM.Name != new.LLM.Name || old.LLM.Model != new.LLM.Model ||
		old.LLM.APIKey != new.LLM.APIKey || old.LLM.BaseURL != new.LLM.BaseURL || old.LLM.API != new.LLM.API)
	restart("memory", old.Memory != new.Memory)
	restart("knowledge.path", old.Knowledge.Path != new.Knowledge.Path)
	restart("crawler.schedule", old.Crawler.Schedule != new.Crawler.Schedule)
	restart("crawler.allow_private_networks", old.Crawler.AllowPrivateNetworks != new.Crawler.AllowPrivateNetworks)

	return d
}
