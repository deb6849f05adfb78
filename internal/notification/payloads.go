package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// SceneStatus is the reception state of a scene
type SceneStatus string

const (
	ScenePending   SceneStatus = "PENDING"
	SceneCompleted SceneStatus = "COMPLETED"
	SceneFailed    SceneStatus = "FAILED"
	SceneUnknown   SceneStatus = "UNKNOWN"
)

// InferenceStatus is the state of an analysis run over a scene
type InferenceStatus string

const (
	InferencePending    InferenceStatus = "PENDING"
	InferenceInProgress InferenceStatus = "IN_PROGRESS"
	InferenceCompleted  InferenceStatus = "COMPLETED"
	InferenceFailed     InferenceStatus = "FAILED"
	InferenceUnknown    InferenceStatus = "UNKNOWN"
)

// ScenePayload carries the scene fields a notification displays.
type ScenePayload struct {
	SceneID  int64       `json:"sceneId"`
	Name     string      `json:"name"`
	Status   SceneStatus `json:"status"`
	Province string      `json:"province,omitempty"`
	District string      `json:"district,omitempty"`
}

// Location joins the non-empty region parts with a space
func (s ScenePayload) Location() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{s.Province, s.District} {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, " ")
}

// InferencePayload carries an analysis result and the scene it ran on.
type InferencePayload struct {
	InferenceID int64           `json:"inferenceId"`
	Status      InferenceStatus `json:"status"`
	TargetScene ScenePayload    `json:"targetScene"`
}

// TargetResolver decides which target keys receive a domain notification.
type TargetResolver interface {
	SceneTargets(ctx context.Context, scene ScenePayload) ([]string, error)
	InferenceTargets(ctx context.Context, inference InferencePayload) ([]string, error)
}

// StaticTargets sends every domain notification to a fixed set of keys.
type StaticTargets []string

func (s StaticTargets) SceneTargets(context.Context, ScenePayload) ([]string, error) {
	return s, nil
}

func (s StaticTargets) InferenceTargets(context.Context, InferencePayload) ([]string, error) {
	return s, nil
}

const unknownStateDescription = "Current status could not be determined."

func sceneInfo(status SceneStatus) (Status, Type, string) {
	switch status {
	case SceneCompleted:
		return StatusReceived, TypeSuccess, "Image reception completed."
	case SceneFailed:
		return StatusReceiveError, TypeError, "An error occurred while receiving the image."
	default:
		return StatusUnknown, TypeInfo, unknownStateDescription
	}
}

func inferenceInfo(status InferenceStatus) (Status, Type, string) {
	switch status {
	case InferenceCompleted:
		return StatusCompleted, TypeSuccess, "Analysis completed."
	case InferenceFailed:
		return StatusAnalysisError, TypeError, "An error occurred during analysis."
	default:
		return StatusUnknown, TypeInfo, unknownStateDescription
	}
}

func sceneEvent(target string, scene ScenePayload, status Status, typ Type, description string) *Event {
	event := NewEvent(target, status, typ, scene.Name, description, nil)
	id := scene.SceneID
	event.SceneID = &id
	event.SceneName = scene.Name
	event.Location = scene.Location()
	return event
}

// PublishScene notifies every resolved target about a scene status change.
func (p *Publisher) PublishScene(ctx context.Context, resolver TargetResolver, scene ScenePayload) error {
	targets, err := resolver.SceneTargets(ctx, scene)
	if err != nil {
		return fmt.Errorf("resolve scene %d targets: %w", scene.SceneID, err)
	}

	status, typ, description := sceneInfo(scene.Status)
	var errs []error
	for _, target := range targets {
		if err := p.Publish(ctx, sceneEvent(target, scene, status, typ, description)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishInference notifies every resolved target about an analysis result.
func (p *Publisher) PublishInference(ctx context.Context, resolver TargetResolver, inference InferencePayload) error {
	targets, err := resolver.InferenceTargets(ctx, inference)
	if err != nil {
		return fmt.Errorf("resolve inference %d targets: %w", inference.InferenceID, err)
	}

	status, typ, description := inferenceInfo(inference.Status)
	var errs []error
	for _, target := range targets {
		event := sceneEvent(target, inference.TargetScene, status, typ, description)
		event.Metadata = map[string]any{"inferenceId": inference.InferenceID}
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
