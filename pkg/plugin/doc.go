// Package plugin loads optional daemon extensions. Plugins register a
// factory at init time, are toggled per node in the config file, and may
// contribute executors, tools and resources. They get a private local KV
// namespace that survives snapshot restores.
package plugin
