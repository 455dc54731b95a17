// Package model defines the wire types exchanged with the host ingest
// server and the local reuse cache.
package model

// Kind classifies a discovered file.
type Kind string

const (
	KindVideo    Kind = "video"
	KindImage    Kind = "image"
	KindSubtitle Kind = "subtitle"
	KindXML      Kind = "xml"
	KindOther    Kind = "other"
	KindJunk     Kind = "junk"
)

// Hashes carries the fingerprint of a file under a single algorithm.
type Hashes struct {
	Algo       string `json:"algo"`
	SampleSize int64  `json:"sample_size"`
	SampleHash string `json:"sample_hash"`
	FullHash   string `json:"full_hash,omitempty"`
}

// VideoMeta is the normalized output of the Prober, attached only to
// kind=video records emitted during the probe pass.
type VideoMeta struct {
	Duration     float64  `json:"duration"`
	Container    string   `json:"container"`
	VideoCodec   string   `json:"video_codec"`
	AudioCodecs  []string `json:"audio_codecs"`
	Width        int      `json:"width"`
	Height       int      `json:"height"`
	Bitrate      int      `json:"bitrate"`
	StreamsJSON  string   `json:"streams_json"`
}

// FileRecord is the wire object delivered to the host. It is
// partial-by-design: Pass 1 emits records without VideoMeta, Pass 2
// emits records with VideoMeta and without Hashes. The host merges
// records by Path.
type FileRecord struct {
	Kind      Kind       `json:"kind"`
	Path      string     `json:"path"`
	Size      int64      `json:"size"`
	MTime     float64    `json:"mtime"`
	CTime     float64    `json:"ctime"`
	InodeKey  string     `json:"inode_key,omitempty"`
	Ext       string     `json:"ext"`
	Reason    string     `json:"reason,omitempty"`
	Hashes    *Hashes    `json:"hashes,omitempty"`
	VideoMeta *VideoMeta `json:"video_meta,omitempty"`
}

// BatchPayload is the body of POST <host>/ingest/batch.
type BatchPayload struct {
	BatchID string       `json:"batch_id"`
	Files   []FileRecord `json:"files"`
}
