package handlers

import (
	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

// NewRouter wires every endpoint behind the OpenTelemetry middleware
func NewRouter(serviceName string, emergencies *EmergencyHandler, garages *GarageHandler, sockets *SocketHandler) *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware(serviceName))

	r.HandleFunc("/health", sockets.Health).Methods("GET")
	r.HandleFunc("/ws", sockets.Connect).Methods("GET")

	r.HandleFunc("/emergencies", emergencies.CreateEmergency).Methods("POST")
	r.HandleFunc("/emergencies", emergencies.ListOpen).Methods("GET")
	r.HandleFunc("/emergencies/{id}", emergencies.GetEmergency).Methods("GET")
	r.HandleFunc("/emergencies/{id}", emergencies.UpdateEmergency).Methods("PUT")
	r.HandleFunc("/emergencies/{id}", emergencies.DeleteEmergency).Methods("DELETE")
	r.HandleFunc("/emergencies/{id}/request-help", emergencies.RequestHelp).Methods("POST")
	r.HandleFunc("/emergencies/{id}/accept", emergencies.AcceptEmergency).Methods("POST")

	r.HandleFunc("/garages/nearby", garages.Nearby).Methods("GET")
	return r
}
