package model

// Descriptor names a backend and the thing it points at, e.g. a kafka topic
// or a sqlite table. It identifies the source or sink of a Feed in logs,
// metrics and the status API.
type Descriptor struct {
	Type   string `json:"type"`   // kafka, file, sqlite, postgres
	Target string `json:"target"` // topic, path, table
}

func (d Descriptor) String() string {
	if d.Target == "" {
		return d.Type
	}
	return d.Type + ":" + d.Target
}

// Feed is one named ingestion pipeline: one source, one sink, one checkpoint.
type Feed struct {
	Name          string     `json:"name"`
	CheckpointKey string     `json:"checkpoint_key"`
	Source        Descriptor `json:"source"`
	Sink          Descriptor `json:"sink"`
}

// Key returns the checkpoint key of the feed, which defaults to its name.
func (f Feed) Key() string {
	if f.CheckpointKey != "" {
		return f.CheckpointKey
	}
	return f.Name
}
