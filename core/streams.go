package core

import (
	"errors"
	"time"

	"github.com/alwitt/omrs/common"
	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/nats-io/nats.go"
)

// StreamLimits list stream data retention settings
type StreamLimits struct {
	MaxMsgs    *int64         `json:"max_msgs,omitempty"`
	MaxBytes   *int64         `json:"max_bytes,omitempty"`
	MaxAge     *time.Duration `json:"max_age,omitempty"`
	MaxMsgSize *int32         `json:"max_msg_size,omitempty"`
}

// StreamParam list parameters for defining a cohort event stream
type StreamParam struct {
	// Name is the stream name
	Name     string   `json:"name" validate:"required"`
	Subjects []string `json:"subjects" validate:"required,min=1"`
	StreamLimits
}

// StreamProvisioner make sure the JetStream streams backing cohort topics exist
type StreamProvisioner interface {
	// EnsureStream create the stream if absent. An existing stream has its
	// subjects extended to cover the requested ones.
	EnsureStream(param StreamParam) (*nats.StreamInfo, error)
	// DeleteStream delete a stream by name
	DeleteStream(name string) error
}

// streamProvisionerImpl implements StreamProvisioner
type streamProvisionerImpl struct {
	common.Component
	core     NatsClient
	validate *validator.Validate
}

// GetStreamProvisioner define StreamProvisioner
func GetStreamProvisioner(natsCore NatsClient, instance string) (StreamProvisioner, error) {
	logTags := log.Fields{
		"module":    "core",
		"component": "stream-provisioner",
		"instance":  instance,
	}
	return streamProvisionerImpl{
		Component: common.Component{LogTags: logTags},
		core:      natsCore,
		validate:  validator.New(),
	}, nil
}

func applyStreamLimits(targetLimit *StreamLimits, param *nats.StreamConfig) {
	if targetLimit.MaxMsgs != nil {
		param.MaxMsgs = *targetLimit.MaxMsgs
	}
	if targetLimit.MaxBytes != nil {
		param.MaxBytes = *targetLimit.MaxBytes
	}
	if targetLimit.MaxAge != nil {
		param.MaxAge = *targetLimit.MaxAge
	}
	if targetLimit.MaxMsgSize != nil {
		param.MaxMsgSize = *targetLimit.MaxMsgSize
	}
}

// mergeSubjects union of two subject lists, preserving order
func mergeSubjects(current, requested []string) ([]string, bool) {
	seen := map[string]bool{}
	for _, subject := range current {
		seen[subject] = true
	}
	merged := append([]string{}, current...)
	changed := false
	for _, subject := range requested {
		if !seen[subject] {
			seen[subject] = true
			merged = append(merged, subject)
			changed = true
		}
	}
	return merged, changed
}

// EnsureStream create the stream if absent
func (s streamProvisionerImpl) EnsureStream(param StreamParam) (*nats.StreamInfo, error) {
	if err := s.validate.Struct(&param); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Invalid stream %s parameters", param.Name)
		return nil, err
	}
	info, err := s.core.JetStream().StreamInfo(param.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to get stream %s info", param.Name)
		return nil, err
	}

	if info == nil {
		// Convert to JetStream structure
		jsParams := nats.StreamConfig{
			Name:     param.Name,
			Subjects: param.Subjects,
		}
		applyStreamLimits(&param.StreamLimits, &jsParams)
		info, err = s.core.JetStream().AddStream(&jsParams)
		if err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Unable to define new stream %s", param.Name,
			)
			return nil, err
		}
		log.WithFields(s.LogTags).Infof("Defined new stream %s", param.Name)
		return info, nil
	}

	currentConfig := info.Config
	merged, changed := mergeSubjects(currentConfig.Subjects, param.Subjects)
	if !changed {
		return info, nil
	}
	currentConfig.Subjects = merged
	info, err = s.core.JetStream().UpdateStream(&currentConfig)
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to change stream %s subjects", param.Name,
		)
		return nil, err
	}
	log.WithFields(s.LogTags).Infof("Extended stream %s subjects to %v", param.Name, merged)
	return info, nil
}

// DeleteStream delete an existing stream
func (s streamProvisionerImpl) DeleteStream(name string) error {
	if err := s.core.JetStream().DeleteStream(name); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf("Unable to delete stream %s", name)
		return err
	}
	log.WithFields(s.LogTags).Infof("Deleted stream %s", name)
	return nil
}
