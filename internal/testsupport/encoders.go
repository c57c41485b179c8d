package testsupport

import "fmt"

// EncoderScript returns a HandBrakeCLI stand-in. It logs to stderr, waits
// delaySeconds, then writes "encoded:<input>" to the -o path and exits with
// exitCode. A nonzero exit code skips writing the output.
func EncoderScript(delaySeconds float64, exitCode int) string {
	return fmt.Sprintf(`#!/bin/sh
in=""
out=""
while [ $# -gt 0 ]; do
  case "$1" in
    -i) in="$2"; shift 2 ;;
    -o) out="$2"; shift 2 ;;
    *) shift ;;
  esac
done
echo "Encoding: task 1 of 1, 0.00 %%" >&2
sleep %g
if [ %d -ne 0 ]; then
  echo "encode failed for $in" >&2
  exit %d
fi
printf 'encoded:%%s' "$in" > "$out"
echo "Encode done!"
exit 0
`, delaySeconds, exitCode, exitCode)
}

// SubtitleScript returns an mkvextract stand-in that writes
// "track:<index>" to the output named in "<index>:<output>".
func SubtitleScript(exitCode int) string {
	return fmt.Sprintf(`#!/bin/sh
track="$3"
idx="${track%%%%:*}"
out="${track#*:}"
if [ %d -ne 0 ]; then
  echo "Error: track $idx not found" >&2
  exit %d
fi
printf 'track:%%s' "$idx" > "$out"
echo "Extracting track $idx"
exit 0
`, exitCode, exitCode)
}
