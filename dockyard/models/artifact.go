package models

import (
	"github.com/opencontainers/go-digest"
)

// Artifact is an image produced by a build step.
type Artifact struct {
	// id of the build step that produced the image
	BuildId string `json:"build_id"`

	// local reference the image was tagged with after the build
	Image string `json:"image"`

	// image id as reported by the daemon
	ImageId digest.Digest `json:"image_id"`
}

// Published is a single tag pushed to a registry.
type Published struct {
	Reference string        `json:"reference"`
	Tag       string        `json:"tag"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}
