package config

import "runtime"

// CommandPathPlaceholder is substituted with the output file in capture.command.
const CommandPathPlaceholder = "{path}"

func defaultBackend() string {
	if runtime.GOOS == "darwin" {
		return BackendCommand
	}
	return BackendSynthetic
}

func defaultCaptureCommand() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/usr/sbin/screencapture", "-x", "-t", "png", CommandPathPlaceholder}
	case "windows":
		return []string{"nircmd.exe", "savescreenshotfull", CommandPathPlaceholder}
	default:
		// ImageMagick; grim or scrot work equally well on Wayland/X11.
		return []string{"import", "-window", "root", CommandPathPlaceholder}
	}
}
