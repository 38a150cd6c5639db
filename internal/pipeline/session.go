package pipeline

import (
	"slices"

	"github.com/google/uuid"

	"github.com/manash/lingolens/pkg/models"
)

// Handle is a transient resource tied to one image, such as a rendered
// preview file. Release must wait for any in-flight use of the resource.
type Handle interface {
	Release() error
}

type session struct {
	id          string
	source      models.LanguageCode
	target      models.LanguageCode
	proficiency models.Proficiency

	image      *models.Image
	handle     Handle
	generation uint64

	description string
	questions   []models.Question
	// questionsGen is the image generation the questions were produced for.
	questionsGen uint64
	status       Status
}

func newSession() session {
	return session{
		id:          uuid.NewString(),
		source:      models.LangEnglish,
		target:      models.LangFrench,
		proficiency: models.ProficiencyBeginner,
		status:      StatusChecking,
	}
}

func (s *session) indexOf(id string) int {
	return slices.IndexFunc(s.questions, func(q models.Question) bool { return q.ID == id })
}

func (s *session) resetTranslations() {
	for i := range s.questions {
		s.questions[i].TranslatedText = ""
		s.questions[i].TranslationFailed = false
	}
}

// Snapshot is a read-only deep copy of the session.
type Snapshot struct {
	ID          string
	Source      models.LanguageCode
	Target      models.LanguageCode
	Proficiency models.Proficiency
	Generation  uint64
	HasImage    bool
	ImageSource string
	Description string
	Questions   []models.Question
	Status      Status
}

// Answered counts evaluated questions and how many of them were correct.
func (s *Snapshot) Answered() (answered, correct int) {
	for _, q := range s.Questions {
		if q.Evaluation == nil {
			continue
		}
		answered++
		if q.Evaluation.Correct {
			correct++
		}
	}
	return answered, correct
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		ID:          s.id,
		Source:      s.source,
		Target:      s.target,
		Proficiency: s.proficiency,
		Generation:  s.generation,
		HasImage:    s.image != nil,
		Description: s.description,
		Questions:   copyQuestions(s.questions),
		Status:      s.status,
	}
	if s.image != nil {
		snap.ImageSource = s.image.Source
	}
	return snap
}

func copyQuestions(qs []models.Question) []models.Question {
	if qs == nil {
		return nil
	}
	out := make([]models.Question, len(qs))
	for i, q := range qs {
		out[i] = q
		if q.Evaluation != nil {
			ev := *q.Evaluation
			out[i].Evaluation = &ev
		}
	}
	return out
}
