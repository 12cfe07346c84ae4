package phases

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"addie/internal/domain"
)

const longDescription = "Hands-on practice with unit conversions."

func TestOutlineOnlyBuildsModulesForPresentBands(t *testing.T) {
	doc := domain.Document{ID: "d1", Title: "Conversions", Description: longDescription}
	item := outline(doc, []string{
		"Apply the conversion factor to each value.",
		"Use the table to convert grams to moles.",
		"Calculate the final volume of the solution.",
	})
	assert.Equal(t, 1, item.Modules)
	assert.Equal(t, 3, item.Lessons)
	assert.Equal(t, 3, item.Questions)
	assert.Empty(t, item.Issues)
	assert.False(t, item.ReviewRequired)
}

func TestOutlineFlagsEachShortAssessment(t *testing.T) {
	doc := domain.Document{ID: "d1", Title: "Cells", Description: longDescription}
	item := outline(doc, []string{
		"Cells are the basic unit of life.",
		"Membranes separate the cell from its surroundings.",
		"The nucleus stores genetic material.",
		"Compare plant cells with animal cells.",
	})
	assert.Equal(t, 2, item.Modules)
	assert.Equal(t, 4, item.Questions)
	assert.Equal(t, []string{`assessment for module "analysis" has 1 question(s), want at least 3`}, item.Issues)
	assert.True(t, item.ReviewRequired)

	item = outline(doc, []string{"Define osmosis.", "Analyze the diffusion rate."})
	assert.Len(t, item.Issues, 2)
}

func TestOutlineWithoutChunks(t *testing.T) {
	item := outline(domain.Document{ID: "d1", Description: "short"}, nil)
	assert.Equal(t, 0, item.Modules)
	assert.Equal(t, []string{
		"course has no modules",
		"course description shorter than 24 characters",
	}, item.Issues)
}
