package interfaces

// StatsProvider exposes a named operational snapshot for the status
// endpoint.
type StatsProvider interface {
	Name() string
	Stats() map[string]interface{}
}
