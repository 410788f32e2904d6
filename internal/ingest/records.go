package ingest

// Collection NSIDs this system models. Commits for any other collection are
// skipped without error.
const (
	CollectionPost    = "app.bsky.feed.post"
	CollectionLike    = "app.bsky.feed.like"
	CollectionRepost  = "app.bsky.feed.repost"
	CollectionFollow  = "app.bsky.graph.follow"
	CollectionProfile = "app.bsky.actor.profile"
)

// Embed type NSIDs relevant to image counting.
const (
	embedImages          = "app.bsky.embed.images"
	embedRecordWithMedia = "app.bsky.embed.recordWithMedia"
)

// Facet feature type NSIDs.
const (
	facetMention = "app.bsky.richtext.facet#mention"
	facetTag     = "app.bsky.richtext.facet#tag"
)

// postRecord is the parsed content of an app.bsky.feed.post record.
type postRecord struct {
	Type      string    `json:"$type"`
	Text      string    `json:"text"`
	CreatedAt string    `json:"createdAt"`
	Langs     []string  `json:"langs,omitempty"`
	Embed     *embed    `json:"embed,omitempty"`
	Facets    []facet   `json:"facets,omitempty"`
	Reply     *replyRef `json:"reply,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
}

// embed covers the embed shapes we inspect. Media is only set for
// record-with-media embeds, where the images sit one level deeper.
type embed struct {
	Type   string      `json:"$type"`
	Images []imageItem `json:"images,omitempty"`
	Media  *embed      `json:"media,omitempty"`
}

type imageItem struct {
	Alt string `json:"alt,omitempty"`
}

// facet is a structured annotation over a byte range of the post text.
type facet struct {
	Features []facetFeature `json:"features"`
}

type facetFeature struct {
	Type string `json:"$type"`
	Tag  string `json:"tag,omitempty"`
	DID  string `json:"did,omitempty"`
}

// replyRef contains references to the parent and root of a reply chain.
type replyRef struct {
	Root   strongRef `json:"root"`
	Parent strongRef `json:"parent"`
}

// strongRef is a reference to a specific version of a record.
type strongRef struct {
	URI string `json:"uri"`
	CID string `json:"cid"`
}

// engagementRecord is the parsed content of a like or repost record.
type engagementRecord struct {
	Type      string    `json:"$type"`
	Subject   strongRef `json:"subject"`
	CreatedAt string    `json:"createdAt"`
}

// followRecord is the parsed content of an app.bsky.graph.follow record.
// Subject is the followed account's DID.
type followRecord struct {
	Type      string `json:"$type"`
	Subject   string `json:"subject"`
	CreatedAt string `json:"createdAt"`
}

// profileRecord is the parsed content of an app.bsky.actor.profile record.
type profileRecord struct {
	Type        string `json:"$type"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}
