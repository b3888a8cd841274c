package common

import (
	"context"
	"os"
	"strings"

	"github.com/apex/log"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// UpdateLogTags build a new set of log tags by merging the base tags with
// the request parameters stored in the context, if any.
func UpdateLogTags(ctxt context.Context, original log.Fields) (log.Fields, error) {
	newLogTags := log.Fields{}
	for key, value := range original {
		newLogTags[key] = value
	}
	if ctxt == nil {
		return newLogTags, nil
	}
	if ctxt.Value(RequestParam{}) != nil {
		v, ok := ctxt.Value(RequestParam{}).(RequestParam)
		if ok {
			v.UpdateLogTags(newLogTags)
		}
	}
	return newLogTags, nil
}

// GetLogTagsForContext same as UpdateLogTags, but falls back to the original
// tags when the context can't be processed.
func (c Component) GetLogTagsForContext(ctxt context.Context) log.Fields {
	tags, err := UpdateLogTags(ctxt, c.LogTags)
	if err != nil {
		return c.LogTags
	}
	return tags
}

// GetUnitTestNatsURI fetch the NATS server URI to use during unit testing.
//
// Returns an empty string if no NATS server is set aside for testing.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNIT_TEST_NATS_URI")
}

// GetUnitTestEtcdEndpoints fetch the etcd endpoints to use during unit testing.
//
// The variable holds a comma separated list. Returns nil if no etcd server is
// set aside for testing.
func GetUnitTestEtcdEndpoints() []string {
	raw := os.Getenv("UNIT_TEST_ETCD_ENDPOINTS")
	if raw == "" {
		return nil
	}
	endpoints := []string{}
	for _, endpoint := range strings.Split(raw, ",") {
		if endpoint = strings.TrimSpace(endpoint); endpoint != "" {
			endpoints = append(endpoints, endpoint)
		}
	}
	return endpoints
}
