package httpapi

import "net/http"

const uploadPage = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Brain Tumor Classification</title>
</head>
<body>
    <h1>Brain Tumor Classification</h1>
    <form action="/predict" method="post" enctype="multipart/form-data">
        <label for="file">Upload MRI Scan:</label>
        <input type="file" name="file" id="file" accept="image/*" required>
        <br><br>
        <button type="submit">Classify</button>
    </form>
</body>
</html>
`

func serveUploadPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(uploadPage))
}
