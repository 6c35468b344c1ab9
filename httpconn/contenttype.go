package httpconn

// DefaultContentType is used for extensions missing from the table.
const DefaultContentType = `text/plain`

var contentTypes = map[string]string{
	`.js`:    `application/javascript`,
	`.xhtml`: `application/xhtml+xml`,
	`.rtf`:   `application/rtf`,
	`.pdf`:   `application/pdf`,
	`.exe`:   `application/x-msdownload`,
	`.word`:  `application/msword`,
	`.zip`:   `application/zip`,
	`.gzip`:  `application/gzip`,
	`.gz`:    `application/x-gzip`,
	`.tar`:   `application/x-tar`,
	`.png`:   `image/png`,
	`.gif`:   `image/gif`,
	`.jpg`:   `image/jpeg`,
	`.jpeg`:  `image/jpeg`,
	`.ico`:   `image/x-icon`,
	`.tif`:   `image/tiff`,
	`.mp3`:   `audio/mp3`,
	`.wav`:   `audio/wav`,
	`.m3u`:   `audio/mpegurl`,
	`.mpeg`:  `video/mpeg`,
	`.mpg`:   `video/mpeg`,
	`.avi`:   `video/x-msvideo`,
	`.mp4`:   `video/mp4`,
	`.movie`: `video/x-sgi-movie`,
	`.css`:   `text/css`,
	`.csv`:   `text/csv`,
	`.txt`:   `text/plain`,
	`.html`:  `text/html`,
	`.xml`:   `text/xml`,
	`.c`:     `text/plain`,
	`.cpp`:   `text/plain`,
	`.h`:     `text/plain`,
	`.hpp`:   `text/plain`,
	`.md`:    `text/plain`,
	`.class`: `java/*`,
	`.java`:  `java/*`,
}

// ContentType returns the MIME type for a file extension, including the
// leading dot. Matching is case-sensitive.
func ContentType(ext string) string {
	if v, ok := contentTypes[ext]; ok {
		return v
	}
	return DefaultContentType
}
