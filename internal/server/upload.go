package server

import (
	"net/http"
)

// uploadForm is served at GET /. The first multipart part is the voucher,
// whatever its field name.
const uploadForm = `<!DOCTYPE html>
<html>
<head>
    <meta charset="utf-8">
    <title>ACSM download</title>
</head>
<body>
    <h1>Upload a URLLink.acsm file</h1>
    <form action="/dl" method="post" enctype="multipart/form-data">
        <input type="file" name="file_upload" accept=".acsm">
        <button type="submit">Submit</button>
    </form>
</body>
</html>
`

// handleIndex handles GET / with the static upload form.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(uploadForm))
}
