package domain

// ViewerID is an opaque identifier supplied by the signaling service. It is
// unique among currently-connected viewers and is used as the registry key
// in the broadcast manager.
type ViewerID string
