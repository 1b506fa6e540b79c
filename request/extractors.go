package request

import "net/http"

// ResumableJS reads chunks sent by resumable.js, which numbers sections from 1.
type ResumableJS struct {
	Qualifiers Qualifiers
	// FileField overrides DefaultFileField.
	FileField string
}

func (e ResumableJS) params() params {
	return params{
		index:     "resumableChunkNumber",
		total:     "resumableTotalChunks",
		fileName:  "resumableFilename",
		fileField: e.FileField,
		indexBase: 1,
	}
}

func (e ResumableJS) CanHandle(r *http.Request) bool {
	return e.params().canHandle(r)
}

func (e ResumableJS) Extract(r *http.Request) (Chunk, error) {
	return e.params().extract(r, e.Qualifiers)
}

// ChunksInRequest reads chunks sent with plupload style chunk and chunks parameters.
// The client counts sections from 0.
type ChunksInRequest struct {
	Qualifiers Qualifiers
	FileField  string
}

func (e ChunksInRequest) params() params {
	return params{
		index:     "chunk",
		total:     "chunks",
		fileName:  "name",
		fileField: e.FileField,
		indexBase: 0,
	}
}

func (e ChunksInRequest) CanHandle(r *http.Request) bool {
	return e.params().canHandle(r)
}

func (e ChunksInRequest) Extract(r *http.Request) (Chunk, error) {
	return e.params().extract(r, e.Qualifiers)
}
