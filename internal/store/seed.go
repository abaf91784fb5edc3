package store

import (
	"strconv"

	"pkt.systems/markd/api"
)

// SeedProjectID is the project created by Seed.
const SeedProjectID = "0"

// SeedMarkings is the number of marking records created by Seed.
const SeedMarkings = 10000

// Seed fills s with the demo project and its markings. Every record counts
// as an alteration, so the seed is persisted on the first save.
func Seed(s *Store) {
	project := api.Project{
		Title:            "Important Project " + SeedProjectID,
		MediaType:        api.MediaImages,
		ImagesFolderPath: "/important/files",
		Classes: []api.MarkingClass{
			{ClassID: "tree", DefaultTitle: "Tree", Scope: api.ScopeObjects},
			{ClassID: "hasTrees", DefaultTitle: "Contains Tree(s)", Scope: api.ScopeTags},
		},
		TagMarkingOptions: []api.TagMarkingOption{},
	}
	s.Projects().Set(NewKey(SeedProjectID), project)
	for i := range SeedMarkings {
		s.Markings().Set(NewKey(SeedProjectID, strconv.Itoa(i)), api.MarkingData{
			TaggedClassIDs: []string{"hasTrees"},
			BoxMarkings: []api.BoxMarking{
				{ClassID: "tree", First: [2]float64{42, 42}, Second: [2]float64{24, 24}},
			},
		})
	}
	s.logger.Info("store.seed.complete", "project", SeedProjectID, "markings", SeedMarkings)
}
