package domain

// Chunk is an ordered unit of corpus text. ID equals its position in the
// corpus-wide sequence produced by one preprocessing run.
type Chunk struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

// SearchHit is a single index match.
type SearchHit struct {
	ID       int     `json:"id"`
	Distance float64 `json:"distance"`
}

// RetrievedChunk is a search hit resolved to its chunk text.
type RetrievedChunk struct {
	ID       int     `json:"id"`
	Text     string  `json:"text"`
	Distance float64 `json:"distance"`
}

// Answer is the generator output together with the chunks it was grounded on,
// in rank order.
type Answer struct {
	Text             string           `json:"text"`
	SupportingChunks []RetrievedChunk `json:"supporting_chunks"`
}

// Texts returns the supporting chunk texts in rank order.
func (a *Answer) Texts() []string {
	out := make([]string, len(a.SupportingChunks))
	for i, c := range a.SupportingChunks {
		out[i] = c.Text
	}
	return out
}
