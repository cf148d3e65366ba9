package graph

import "testing"

func TestCanonicalEntityID_DeterministicAndCaseInsensitive(t *testing.T) {
	a := CanonicalEntityID("podcast_abc", "Elon Musk")
	b := CanonicalEntityID("podcast_abc", "elon musk")
	if a != b {
		t.Errorf("CanonicalEntityID should be case-insensitive: %q != %q", a, b)
	}

	c := CanonicalEntityID("podcast_abc", "OpenAI")
	if a == c {
		t.Error("different canonical names should not collide")
	}

	d := CanonicalEntityID("podcast_xyz", "Elon Musk")
	if a == d {
		t.Error("same name under a different podcast should not collide")
	}
}

func TestCanonicalEntityID_DistinctFromEntityID(t *testing.T) {
	episodeGUID := "podcast_abc_ep1"
	podcastID := PodcastID("Some Podcast")
	entity := EntityID(episodeGUID, "Elon Musk")
	canonical := CanonicalEntityID(podcastID, "Elon Musk")
	if entity == canonical {
		t.Error("EntityID and CanonicalEntityID must not produce the same id scheme")
	}
}
