package handlers

import "github.com/example/edu-platform/internal/platform/validate"

var (
	lessonRefSchema = validate.MustCompile("lesson-ref", `{
		"type": "object",
		"required": ["lessonId"],
		"properties": {
			"lessonId": {"type": "integer", "minimum": 1}
		}
	}`)

	lessonProgressSchema = validate.MustCompile("lesson-progress", `{
		"type": "object",
		"required": ["lessonId", "progress"],
		"properties": {
			"lessonId": {"type": "integer", "minimum": 1},
			"progress": {"type": "integer", "minimum": 0, "maximum": 100}
		}
	}`)

	// Negative seconds are accepted and clamped to zero by the tracker. The
	// bounds are those of the INTEGER position column.
	positionSchema = validate.MustCompile("lesson-position", `{
		"type": "object",
		"required": ["lessonId", "seconds"],
		"properties": {
			"lessonId": {"type": "integer", "minimum": 1},
			"seconds": {"type": "integer", "minimum": -2147483648, "maximum": 2147483647}
		}
	}`)

	activitySchema = validate.MustCompile("activity-complete", `{
		"type": "object",
		"required": ["activityId"],
		"properties": {
			"activityId": {"type": "integer", "minimum": 1}
		}
	}`)

	unlockSchema = validate.MustCompile("lesson-unlock", `{
		"type": "object",
		"required": ["lessonId", "currentLessonId"],
		"properties": {
			"lessonId": {"type": "integer", "minimum": 1},
			"currentLessonId": {"type": "integer", "minimum": 1}
		}
	}`)
)

type lessonRefRequest struct {
	LessonID int64 `json:"lessonId"`
}

type lessonProgressRequest struct {
	LessonID int64 `json:"lessonId"`
	Progress int   `json:"progress"`
}

type positionRequest struct {
	LessonID int64 `json:"lessonId"`
	Seconds  int   `json:"seconds"`
}

type activityRequest struct {
	ActivityID int64 `json:"activityId"`
}

type unlockRequest struct {
	LessonID        int64 `json:"lessonId"`
	CurrentLessonID int64 `json:"currentLessonId"`
}
