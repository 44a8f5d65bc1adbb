// Package jobstub hosts a deterministic fake of the self-hosted transcoder's
// job controller API. Tests point transcoder.HTTPClient at it to assert the
// submitted job descriptors and exercise rejection and outage handling
// without running ffmpeg.
package jobstub
