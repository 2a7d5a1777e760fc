package viewer

import (
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var viewPage = template.Must(template.New("view").Parse(viewPageHTML))

type viewData struct {
	UniqueID string
	Title    string
}

// ViewPage handles GET /view/:uuid. It serves the AR shell, which fetches the
// manifest endpoint from the browser and builds the scene client side.
func (h *Handler) ViewPage(c *gin.Context) {
	m, err := h.resolve(c)
	if err != nil {
		h.logger.Error("load view page failed", zap.String("unique_id", c.Param("uuid")), zap.Error(err))
		c.String(http.StatusInternalServerError, "something went wrong")
		return
	}
	c.Header("Content-Type", "text/html; charset=utf-8")
	if m == nil {
		c.String(http.StatusNotFound, notFoundPage)
		return
	}
	c.Status(http.StatusOK)
	if err := viewPage.Execute(c.Writer, viewData{
		UniqueID: m.Content.UniqueID.String(),
		Title:    m.Content.Title,
	}); err != nil {
		h.logger.Error("render view page failed", zap.Error(err))
	}
}

const notFoundPage = `<!doctype html>
<html><body><p>This experience is not available.</p></body></html>`

// viewPageHTML loads the image-tracking runtime, pulls the manifest and wires
// the active video onto the tracked target.
const viewPageHTML = `<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1, user-scalable=no">
<title>{{.Title}}</title>
<script src="https://aframe.io/releases/1.5.0/aframe.min.js"></script>
<script src="https://cdn.jsdelivr.net/npm/mind-ar@1.2.5/dist/mindar-image-aframe.prod.js"></script>
<style>html, body {margin: 0; overflow: hidden}</style>
</head>
<body>
<script>
(async function () {
  const res = await fetch("/content/{{.UniqueID}}");
  if (!res.ok) {
    document.body.innerHTML = "<p>This experience is not available.</p>";
    return;
  }
  const manifest = (await res.json()).data;
  if (!manifest.marker_url || !manifest.active_video) {
    document.body.innerHTML = "<p>This experience is not ready yet.</p>";
    return;
  }

  const scene = document.createElement("a-scene");
  scene.setAttribute("mindar-image", "imageTargetSrc: " + manifest.marker_url + ";");
  scene.setAttribute("color-space", "sRGB");
  scene.setAttribute("vr-mode-ui", "enabled: false");
  scene.setAttribute("device-orientation-permission-ui", "enabled: false");
  scene.innerHTML =
    '<a-assets><video id="portal-video" src="' + manifest.active_video.url + '"' +
    ' loop muted playsinline webkit-playsinline crossorigin="anonymous"></video></a-assets>' +
    '<a-camera position="0 0 0" look-controls="enabled: false"></a-camera>' +
    '<a-entity mindar-image-target="targetIndex: 0">' +
    '<a-video src="#portal-video" width="1" height="' +
    (manifest.active_video.height && manifest.active_video.width
      ? manifest.active_video.height / manifest.active_video.width : 0.5625) +
    '" position="0 0 0"></a-video></a-entity>';

  scene.addEventListener("targetFound", function () {
    document.querySelector("#portal-video").play();
  });
  scene.addEventListener("targetLost", function () {
    document.querySelector("#portal-video").pause();
  });
  document.body.appendChild(scene);
})();
</script>
</body>
</html>`
