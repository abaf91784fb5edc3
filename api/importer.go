package api

// ImportManifest is the JSON document read by `markd import`.
type ImportManifest struct {
	// ProjectID is the id the project is stored under.
	ProjectID string `json:"projectId"`
	// ProjectData is the project definition to store.
	ProjectData Project `json:"projectData"`
	// CollectionData lists media folders to transfer into the media dir.
	CollectionData []ImportCollection `json:"collectionData"`
	// Users are created or replaced.
	Users []ImportUser `json:"users"`
}

// ImportCollection names a media folder on the importing host.
type ImportCollection struct {
	CollectionID string `json:"collectionId"`
	Path         string `json:"path"`
}

// ImportUser carries a plaintext password that the importer hashes.
type ImportUser struct {
	Username   string `json:"username"`
	Password   string `json:"password"`
	ScreenName string `json:"screenName"`
}
