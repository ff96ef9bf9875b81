// Package health fornece health checks para os componentes de infraestrutura:
// backends SQL (via executor), Redis (broker da fila) e MongoDB (catálogo).
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/joao-brasil/store-backend/internal/config"
	"github.com/joao-brasil/store-backend/internal/executor"
	"github.com/joao-brasil/store-backend/internal/queue"
)

// Status representa o status de saúde de um componente.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth representa a saúde de um único componente.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// HealthReport é o relatório geral de saúde.
type HealthReport struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Healthy indica se todos os componentes estão saudáveis.
func (r *HealthReport) Healthy() bool { return r.Status == StatusHealthy }

// Probe verifica um componente. Check retorna uma mensagem curta em caso de
// sucesso.
type Probe struct {
	Name  string
	Check func(ctx context.Context) (string, error)
}

// DefaultTimeout limita cada probe individualmente.
const DefaultTimeout = 5 * time.Second

// Checker executa os probes registrados em paralelo.
type Checker struct {
	instanceID string
	timeout    time.Duration
	probes     []Probe
}

// NewChecker cria um novo health checker.
func NewChecker(instanceID string, probes ...Probe) *Checker {
	return &Checker{
		instanceID: instanceID,
		timeout:    DefaultTimeout,
		probes:     probes,
	}
}

// WithTimeout altera o timeout por probe.
func (c *Checker) WithTimeout(d time.Duration) *Checker {
	c.timeout = d
	return c
}

// Add registra mais probes.
func (c *Checker) Add(probes ...Probe) {
	c.probes = append(c.probes, probes...)
}

// Check realiza health checks em todos os componentes e retorna um relatório.
func (c *Checker) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.instanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make([]ComponentHealth, 0, len(c.probes))
	)

	for _, p := range c.probes {
		wg.Add(1)
		go func(p Probe) {
			defer wg.Done()
			ch := c.run(ctx, p)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(p)
	}
	wg.Wait()

	sort.Slice(components, func(i, j int) bool { return components[i].Name < components[j].Name })
	report.Components = components

	// Se qualquer componente estiver unhealthy, marcar geral como unhealthy
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}
	return report
}

func (c *Checker) run(ctx context.Context, p Probe) ComponentHealth {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	msg, err := p.Check(ctx)
	latency := time.Since(start)
	if err != nil {
		return ComponentHealth{
			Name:    p.Name,
			Status:  StatusUnhealthy,
			Message: err.Error(),
			Latency: latency.String(),
		}
	}
	return ComponentHealth{
		Name:    p.Name,
		Status:  StatusHealthy,
		Message: msg,
		Latency: latency.String(),
	}
}

// RedisProbe faz PING no broker e reporta a profundidade da fila.
func RedisProbe(q *queue.TaskQueue) Probe {
	return Probe{
		Name: "redis",
		Check: func(ctx context.Context) (string, error) {
			if err := q.Broker().Ping(ctx); err != nil {
				return "", errors.Wrap(err, "PING failed")
			}
			depth, err := q.Depth(ctx)
			if err != nil {
				return "PONG", nil
			}
			return fmt.Sprintf("PONG (%s depth=%d pending=%d)", q.Name(), depth, q.Pending()), nil
		},
	}
}

// BackendProbe executa a ping query do backend pelo executor, passando pelo
// pool como qualquer outra consulta.
func BackendProbe(ex *executor.Executor) Probe {
	p := ex.Pool()
	b := p.Backend()
	query := b.PingQuery
	if query == "" {
		query = "SELECT 1"
	}
	return Probe{
		Name: "backend-" + b.Name,
		Check: func(ctx context.Context) (string, error) {
			if _, err := ex.FetchOne(ctx, query); err != nil {
				return "", errors.Wrapf(err, "%s failed", query)
			}
			s := p.Stats()
			return fmt.Sprintf("%s active=%d idle=%d max=%d", b.DriverName(), s.Active, s.Idle, s.Max), nil
		},
	}
}

// MongoProbe faz ping no primário.
func MongoProbe(client *mongo.Client) Probe {
	return Probe{
		Name: "mongo",
		Check: func(ctx context.Context) (string, error) {
			if err := client.Ping(ctx, readpref.Primary()); err != nil {
				return "", errors.Wrap(err, "ping failed")
			}
			return "connected", nil
		},
	}
}

// ConnectMongo cria o cliente do catálogo. A conexão real é estabelecida sob
// demanda pelo driver.
func ConnectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetServerSelectionTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	return client, nil
}
