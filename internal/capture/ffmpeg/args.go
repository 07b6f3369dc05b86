package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/breeze-rmm/bioauth/internal/capture"
)

// Platform input drivers. Each platform names its default devices
// differently, so the defaults live next to the driver.
type inputDriver struct {
	videoFormat  string
	audioFormat  string
	defaultVideo string
	defaultAudio string
	videoPrefix  string
	audioPrefix  string
}

var drivers = map[string]inputDriver{
	"linux":   {videoFormat: "v4l2", audioFormat: "alsa", defaultVideo: "/dev/video0", defaultAudio: "default"},
	"darwin":  {videoFormat: "avfoundation", audioFormat: "avfoundation", defaultVideo: "0", defaultAudio: "0", audioPrefix: ":"},
	"windows": {videoFormat: "dshow", audioFormat: "dshow", videoPrefix: "video=", audioPrefix: "audio="},
}

func driverFor(goos string) inputDriver {
	if d, ok := drivers[goos]; ok {
		return d
	}
	return drivers["linux"]
}

var baseArgs = []string{"-hide_banner", "-loglevel", "error", "-nostdin"}

// cameraArgs builds an ffmpeg command line that writes an MJPEG stream to
// stdout, one JPEG per frame.
func cameraArgs(goos, device string, width, height int) ([]string, error) {
	d := driverFor(goos)
	if device == "" {
		device = d.defaultVideo
	}
	if device == "" {
		return nil, fmt.Errorf("video_device must be set on %s: %w", goos, capture.ErrNoDevice)
	}

	args := append([]string(nil), baseArgs...)
	args = append(args, "-f", d.videoFormat)
	if goos == "darwin" {
		args = append(args, "-framerate", "30")
	}
	if width > 0 && height > 0 {
		args = append(args, "-video_size", strconv.Itoa(width)+"x"+strconv.Itoa(height))
	}
	args = append(args, "-i", d.videoPrefix+device)
	args = append(args, "-an", "-f", "image2pipe", "-vcodec", "mjpeg", "-q:v", "3", "pipe:1")
	return args, nil
}

// audioInputArgs selects the microphone input.
func audioInputArgs(goos, device string) ([]string, error) {
	d := driverFor(goos)
	if device == "" || (device == "default" && goos != "linux") {
		device = d.defaultAudio
	}
	if device == "" {
		return nil, fmt.Errorf("audio_device must be set on %s: %w", goos, capture.ErrNoDevice)
	}

	return []string{"-f", d.audioFormat, "-i", d.audioPrefix + device}, nil
}

// encoderSpec is the ffmpeg encoder and muxer that produce an Encoding.
type encoderSpec struct {
	codec string
	muxer string
	extra []string
}

// specFor maps a MIME encoding onto ffmpeg. The runtime default is WAV.
func specFor(enc capture.Encoding) (encoderSpec, bool) {
	if enc == capture.DefaultEncoding {
		return encoderSpec{codec: "pcm_s16le", muxer: "wav"}, true
	}

	codec := ""
	if codecs := enc.Codecs(); len(codecs) == 1 {
		codec = strings.ToLower(codecs[0])
	} else if len(codecs) > 1 {
		return encoderSpec{}, false
	}

	switch enc.MediaType() {
	case "audio/webm", "audio/ogg":
		muxer := "webm"
		if enc.MediaType() == "audio/ogg" {
			muxer = "ogg"
		}
		switch codec {
		case "", "opus":
			return encoderSpec{codec: "libopus", muxer: muxer}, true
		case "vorbis":
			return encoderSpec{codec: "libvorbis", muxer: muxer}, true
		}
	case "audio/wav", "audio/wave", "audio/x-wav":
		if codec == "" || codec == "1" {
			return encoderSpec{codec: "pcm_s16le", muxer: "wav"}, true
		}
	case "audio/mp4":
		if codec == "" || strings.HasPrefix(codec, "mp4a") {
			return encoderSpec{codec: "aac", muxer: "mp4", extra: []string{"-movflags", "frag_keyframe+empty_moov"}}, true
		}
	}
	return encoderSpec{}, false
}

// recordArgs builds the full command line for one recording.
func recordArgs(goos, device string, enc capture.Encoding) ([]string, error) {
	spec, ok := specFor(enc)
	if !ok {
		return nil, fmt.Errorf("no ffmpeg mapping for %s", enc)
	}
	input, err := audioInputArgs(goos, device)
	if err != nil {
		return nil, err
	}

	args := append([]string(nil), baseArgs...)
	args = append(args, input...)
	args = append(args, "-vn", "-ac", "1", "-ar", "48000", "-c:a", spec.codec)
	args = append(args, spec.extra...)
	args = append(args, "-f", spec.muxer, "pipe:1")
	return args, nil
}

// probeArgs opens the microphone briefly and discards the output.
func probeArgs(goos, device string) ([]string, error) {
	input, err := audioInputArgs(goos, device)
	if err != nil {
		return nil, err
	}
	args := append([]string(nil), baseArgs...)
	args = append(args, input...)
	args = append(args, "-t", "0.1", "-f", "null", "-")
	return args, nil
}
