package web

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"tuya-dp-bridge/internal/adapter"
	"tuya-dp-bridge/internal/coordinator"
	"tuya-dp-bridge/internal/engine"
	"tuya-dp-bridge/internal/profile"
	"tuya-dp-bridge/internal/store"
	"tuya-dp-bridge/internal/transport"
	"tuya-dp-bridge/internal/tuya"
)

// deviceView is a stored device plus its live session, if bound.
type deviceView struct {
	*store.Device
	Bound     bool          `json:"bound"`
	SessionID string        `json:"session_id,omitempty"`
	Clusters  []clusterView `json:"clusters,omitempty"`
}

type clusterView struct {
	Endpoint   uint8           `json:"endpoint"`
	ID         uint16          `json:"id"`
	Name       string          `json:"name"`
	Key        string          `json:"key,omitempty"`
	Attributes []attributeView `json:"attributes"`
}

type attributeView struct {
	ID    uint16 `json:"id"`
	Name  string `json:"name,omitempty"`
	Value any    `json:"value"`
	Error string `json:"error,omitempty"`
}

func (s *Server) view(dev *store.Device, withClusters bool) deviceView {
	v := deviceView{Device: dev}
	sess, ok := s.coord.Session(dev.IEEEAddress)
	if !ok {
		return v
	}
	v.Bound = true
	v.SessionID = sess.ID
	if withClusters {
		v.Clusters = clusterViews(sess)
	}
	return v
}

func clusterViews(sess *coordinator.Session) []clusterView {
	var out []clusterView
	for _, lc := range sess.Device().Clusters() {
		def := lc.Def()
		cv := clusterView{Endpoint: lc.Endpoint(), ID: def.ID, Name: def.Name, Key: def.Key}
		attrs := lc.Attributes()
		for _, id := range lc.AttributeIDs() {
			av := attributeView{ID: id, Value: attrs[id]}
			if a := def.FindAttribute(id); a != nil {
				av.Name = a.Key()
			}
			cv.Attributes = append(cv.Attributes, av)
		}
		out = append(out, cv)
	}
	return out
}

// errorStatus maps coordinator, adapter and engine errors to HTTP statuses.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownDevice), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrNoProfile):
		return http.StatusUnprocessableEntity
	case errors.Is(err, coordinator.ErrInboxFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, coordinator.ErrUnknownCluster),
		errors.Is(err, adapter.ErrUnsupportedAttribute),
		errors.Is(err, adapter.ErrUnsupportedCommand),
		errors.Is(err, adapter.ErrReadOnly),
		errors.Is(err, engine.ErrNotWritable),
		errors.Is(err, profile.ErrConversion),
		errors.Is(err, tuya.ErrTypeMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, op, ieee string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error(op, "err", err, "ieee", ieee)
		s.writeJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleAPIListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.coord.Devices()
	if err != nil {
		s.logger.Error("list devices", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	views := make([]deviceView, 0, len(devices))
	for _, dev := range devices {
		views = append(views, s.view(dev, false))
	}
	s.writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAPIBindDevice(w http.ResponseWriter, r *http.Request) {
	var req coordinator.DeviceInfo
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if transport.NormalizeIEEE(req.IEEE) == "" {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "ieee is required"})
		return
	}

	sess, err := s.coord.Bind(r.Context(), req)
	if err != nil {
		s.writeError(w, "bind device", req.IEEE, err)
		return
	}
	info := sess.Info()
	s.writeJSON(w, http.StatusCreated, s.view(&info, true))
}

func (s *Server) handleAPIGetDevice(w http.ResponseWriter, r *http.Request) {
	ieee := transport.NormalizeIEEE(r.PathValue("ieee"))
	dev, err := s.coord.Store().GetDevice(ieee)
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not found"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(dev, true))
}

type renameDeviceRequest struct {
	FriendlyName string `json:"friendly_name"`
}

func (s *Server) handleAPIRenameDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req renameDeviceRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	dev, err := s.coord.Rename(ieee, req.FriendlyName)
	if err != nil {
		s.writeError(w, "rename device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "friendly_name": dev.FriendlyName})
}

func (s *Server) handleAPIDeleteDevice(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Remove(ieee); err != nil {
		s.writeError(w, "delete device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIListAttributes(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	sess, ok := s.coord.Session(ieee)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not bound"})
		return
	}
	s.writeJSON(w, http.StatusOK, clusterViews(sess))
}

// attributeTarget addresses attributes either by name ("temperature",
// "measured_value") or numerically ("0x0402", "0x0000"). Endpoint
// overrides the resolved endpoint when set.
type attributeTarget struct {
	Endpoint uint8  `json:"endpoint,omitempty"`
	Cluster  string `json:"cluster"`
}

func (s *Server) resolve(ieee string, t attributeTarget, attr string) (coordinator.Target, error) {
	target, err := s.coord.ResolveAttribute(ieee, t.Cluster, attr)
	if err != nil {
		return target, err
	}
	if t.Endpoint != 0 {
		target.Endpoint = t.Endpoint
	}
	return target, nil
}

type readAttributesRequest struct {
	attributeTarget
	Attributes []string `json:"attributes"`
}

func (s *Server) handleAPIReadAttributes(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req readAttributesRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.Attributes) == 0 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attributes must not be empty"})
		return
	}
	if len(req.Attributes) > 50 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "attributes limited to 50"})
		return
	}

	results := make([]attributeView, 0, len(req.Attributes))
	for _, ref := range req.Attributes {
		t, err := s.resolve(ieee, req.attributeTarget, ref)
		if err != nil {
			if errors.Is(err, adapter.ErrUnsupportedAttribute) {
				results = append(results, attributeView{Name: ref, Error: err.Error()})
				continue
			}
			s.writeError(w, "read attributes", ieee, err)
			return
		}
		av := attributeView{ID: t.AttrID, Name: ref}
		v, err := s.coord.Read(ieee, t.Endpoint, t.ClusterID, t.AttrID)
		if err != nil {
			av.Error = err.Error()
		} else {
			av.Value = v
		}
		results = append(results, av)
	}
	s.writeJSON(w, http.StatusOK, results)
}

type writeAttributeRequest struct {
	attributeTarget
	Attribute string `json:"attribute"`
	Value     any    `json:"value"`
}

func (s *Server) handleAPIWriteAttribute(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req writeAttributeRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	t, err := s.resolve(ieee, req.attributeTarget, req.Attribute)
	if err != nil {
		s.writeError(w, "write attribute", ieee, err)
		return
	}
	if err := s.coord.Write(r.Context(), ieee, t.Endpoint, t.ClusterID, t.AttrID, req.Value); err != nil {
		s.writeError(w, "write attribute", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type sendCommandRequest struct {
	attributeTarget
	Command string `json:"command"`
	Arg     any    `json:"arg,omitempty"`
}

func (s *Server) handleAPISendCommand(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")

	var req sendCommandRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	t, err := s.coord.ResolveCommand(ieee, req.Cluster, req.Command)
	if err != nil {
		s.writeError(w, "send command", ieee, err)
		return
	}
	if req.Endpoint != 0 {
		t.Endpoint = req.Endpoint
	}
	if err := s.coord.Invoke(r.Context(), ieee, t.Endpoint, t.ClusterID, t.CommandID, req.Arg); err != nil {
		s.writeError(w, "send command", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAPIQuery(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	if err := s.coord.Query(r.Context(), ieee); err != nil {
		s.writeError(w, "query device", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// injectFrameRequest carries a raw manufacturer cluster command, as if the
// device had sent it. Command defaults to a data report.
type injectFrameRequest struct {
	Command *uint8 `json:"command,omitempty"`
	Payload string `json:"payload"`
}

func (s *Server) handleAPIInjectFrame(w http.ResponseWriter, r *http.Request) {
	ieee := r.PathValue("ieee")
	sess, ok := s.coord.Session(ieee)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "device not bound"})
		return
	}

	var req injectFrameRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	payload, err := hex.DecodeString(req.Payload)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload must be hex"})
		return
	}
	if len(payload) > 255 {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payload limited to 255 bytes"})
		return
	}
	cmd := tuya.CmdGetDataResponse
	if req.Command != nil {
		cmd = *req.Command
	}

	err = s.coord.Deliver(transport.Message{
		IEEE:      sess.IEEE(),
		Endpoint:  sess.Profile().ManufacturerEndpoint(),
		ClusterID: tuya.ClusterID,
		CommandID: cmd,
		Payload:   payload,
	})
	if err != nil {
		s.writeError(w, "inject frame", ieee, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "command": strconv.Itoa(int(cmd))})
}

func (s *Server) handleAPIListProfiles(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.coord.Profiles().All())
}

func (s *Server) handleAPIListClusters(w http.ResponseWriter, r *http.Request) {
	clusters := s.coord.Registry().All()
	s.writeJSON(w, http.StatusOK, clusters)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}
