// Command seed loads demo patients through the admin API and cancels one
// appointment so the promotion cascade can be watched end to end.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type patient struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Phone           string `json:"phone"`
	Age             int    `json:"age"`
	Specialty       string `json:"specialty"`
	ExamType        string `json:"exam_type"`
	AppointmentDate string `json:"appointment_date,omitempty"`
	AppointmentTime string `json:"appointment_time,omitempty"`
	ClinicalUrgency bool   `json:"clinical_urgency"`
	VulnerableGroup bool   `json:"vulnerable_group"`
}

func main() {
	apiURL := os.Getenv("API_URL")
	if apiURL == "" {
		apiURL = "http://localhost:8080"
	}
	token := ""
	if secret := os.Getenv("ADMIN_JWT_SECRET"); secret != "" {
		claims := jwt.RegisteredClaims{
			Subject:   "seed",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
		if err != nil {
			fmt.Printf("Error signing token: %v\n", err)
			os.Exit(1)
		}
		token = signed
	}
	client := &http.Client{Timeout: 30 * time.Second}
	slot := time.Now().AddDate(0, 0, 10).Format("2006-01-02")

	patients := []patient{
		{ID: "seed-booked", Name: "Maria Souza", Phone: "11999990001", Age: 45, Specialty: "cardiologia", ExamType: "echocardiogram", AppointmentDate: slot, AppointmentTime: "09:00"},
		{ID: "seed-wait-1", Name: "José Lima", Phone: "11999990002", Age: 82, Specialty: "cardiologia", ExamType: "cardiac-stress", ClinicalUrgency: true},
		{ID: "seed-wait-2", Name: "Ana Costa", Phone: "11999990003", Age: 61, Specialty: "cardiologia", ExamType: "routine"},
		{ID: "seed-wait-3", Name: "Paulo Reis", Phone: "11999990004", Age: 70, Specialty: "oncologia", ExamType: "oncology-followup", VulnerableGroup: true},
	}
	for _, p := range patients {
		call(client, token, http.MethodPost, apiURL+"/api/v1/patients", p)
	}
	call(client, token, http.MethodPost, apiURL+"/api/v1/patients/seed-booked/transitions", map[string]string{"event": "dispatch_reminder"})
	call(client, token, http.MethodPost, apiURL+"/api/v1/patients/seed-booked/replies", map[string]string{"text": "2"})
	call(client, token, http.MethodGet, apiURL+"/api/v1/queue?specialty=cardiologia", nil)
	call(client, token, http.MethodGet, apiURL+"/api/v1/stats", nil)
}

func call(client *http.Client, token, method, url string, payload any) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			fmt.Printf("Error encoding payload: %v\n", err)
			os.Exit(1)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		fmt.Printf("Error creating request: %v\n", err)
		os.Exit(1)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Printf("Error making request: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	fmt.Printf("%s %s -> HTTP %d\n%s\n", method, url, resp.StatusCode, out)
}
