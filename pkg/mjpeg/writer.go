package mjpeg

import (
	"io"
	"strconv"
)

const (
	// Boundary separates the parts of the multipart response.
	Boundary = "frame"
	// ContentType is the response content type for a stream.
	ContentType = "multipart/x-mixed-replace; boundary=" + Boundary
)

// WriteFrame writes one multipart part carrying a JPEG image:
//
//	--frame\r\n
//	Content-Type:image/jpeg\r\n
//	Content-Length: <len>\r\n
//	\r\n
//	<jpeg>\r\n
//
// The header and the image are written in a single call so a part is never
// split across two writes to the connection.
func WriteFrame(w io.Writer, frame []byte) (int, error) {
	buf := make([]byte, 0, len(frame)+96)
	buf = append(buf, "--"+Boundary+"\r\n"...)
	buf = append(buf, "Content-Type:image/jpeg\r\n"...)
	buf = append(buf, "Content-Length: "...)
	buf = strconv.AppendInt(buf, int64(len(frame)), 10)
	buf = append(buf, "\r\n\r\n"...)
	buf = append(buf, frame...)
	buf = append(buf, "\r\n"...)
	return w.Write(buf)
}
