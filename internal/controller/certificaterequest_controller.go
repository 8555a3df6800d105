/*
Copyright 2024.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package controller

import (
	"context"
	"encoding/pem"
	"errors"
	"fmt"

	cmutil "github.com/cert-manager/cert-manager/pkg/api/util"
	cmapi "github.com/cert-manager/cert-manager/pkg/apis/certmanager/v1"
	cmmeta "github.com/cert-manager/cert-manager/pkg/apis/meta/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/client-go/tools/record"
	"k8s.io/utils/clock"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/handler"
	"sigs.k8s.io/controller-runtime/pkg/reconcile"

	estv1alpha1 "github.com/mitre/est-operator/api/v1alpha1"
)

var (
	errIssuerRef      = errors.New("error interpreting issuerRef")
	errGetIssuer      = errors.New("error getting issuer")
	errIssuerNotReady = errors.New("issuer is not ready")
	errInvalidRequest = errors.New("certificate request is invalid")
	errCreateOrder    = errors.New("failed to create EstOrder")
)

// CertificateRequestReconciler drives cert-manager CertificateRequests that
// reference this group's issuers. It gates on approval, resolves the issuer,
// creates exactly one owned EstOrder per request, and copies the issued
// certificate back once the order completes. It is the only writer of
// CertificateRequest status; the order reconciler never touches it.
type CertificateRequestReconciler struct {
	client.Client
	Scheme                   *runtime.Scheme
	Recorder                 record.EventRecorder
	ClusterResourceNamespace string
	Clock                    clock.Clock
	CheckApprovedCondition   bool
}

// +kubebuilder:rbac:groups=cert-manager.io,resources=certificaterequests,verbs=get;list;watch
// +kubebuilder:rbac:groups=cert-manager.io,resources=certificaterequests/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=est.mitre.org,resources=estorders,verbs=get;list;watch;create

// Reconcile progresses a CertificateRequest through the EST order lifecycle.
func (r *CertificateRequestReconciler) Reconcile(ctx context.Context, req ctrl.Request) (result ctrl.Result, err error) {
	log := ctrl.LoggerFrom(ctx)

	// Get the CertificateRequest
	var certificateRequest cmapi.CertificateRequest
	if err := r.Get(ctx, req.NamespacedName, &certificateRequest); err != nil {
		if err := client.IgnoreNotFound(err); err != nil {
			return ctrl.Result{}, fmt.Errorf("unexpected get error: %v", err)
		}
		log.Info("CertificateRequest not found. ignoring.")
		return ctrl.Result{}, nil
	}

	// Ignore CertificateRequests if issuerRef doesn't match group
	if certificateRequest.Spec.IssuerRef.Group != estv1alpha1.GroupVersion.Group {
		log.Info("Foreign group. Ignoring.", "group", certificateRequest.Spec.IssuerRef.Group)
		return ctrl.Result{}, nil
	}

	// Ignore CertificateRequest if it is already Ready
	if cmutil.CertificateRequestHasCondition(&certificateRequest, cmapi.CertificateRequestCondition{
		Type:   cmapi.CertificateRequestConditionReady,
		Status: cmmeta.ConditionTrue,
	}) {
		log.Info("CertificateRequest is Ready. Ignoring.")
		return ctrl.Result{}, nil
	}

	// Ignore CertificateRequest if it is already Failed
	if cmutil.CertificateRequestHasCondition(&certificateRequest, cmapi.CertificateRequestCondition{
		Type:   cmapi.CertificateRequestConditionReady,
		Status: cmmeta.ConditionFalse,
		Reason: cmapi.CertificateRequestReasonFailed,
	}) {
		log.Info("CertificateRequest is Failed. Ignoring.")
		return ctrl.Result{}, nil
	}
	// Ignore CertificateRequest if it already has a Denied Ready Reason
	if cmutil.CertificateRequestHasCondition(&certificateRequest, cmapi.CertificateRequestCondition{
		Type:   cmapi.CertificateRequestConditionReady,
		Status: cmmeta.ConditionFalse,
		Reason: cmapi.CertificateRequestReasonDenied,
	}) {
		log.Info("CertificateRequest already has a Ready condition with Denied Reason. Ignoring.")
		return ctrl.Result{}, nil
	}

	log.Info("Starting CertificateRequest reconciliation run")

	// We now have a CertificateRequest that belongs to us so we are
	// responsible for updating its Ready condition.

	// Always attempt to update the Ready condition
	defer func() {
		if err != nil {
			setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonPending, err.Error())
		}
		if updateErr := r.Status().Update(ctx, &certificateRequest); updateErr != nil {
			err = utilerrors.NewAggregate([]error{err, updateErr})
			result = ctrl.Result{}
		}
	}()

	// If CertificateRequest has been denied, mark the CertificateRequest as
	// Ready=Denied and set FailureTime if not already.
	if cmutil.CertificateRequestIsDenied(&certificateRequest) {
		log.Info("CertificateRequest has been denied. Marking as failed.")

		if certificateRequest.Status.FailureTime == nil {
			nowTime := metav1.NewTime(r.Clock.Now())
			certificateRequest.Status.FailureTime = &nowTime
		}

		message := "The CertificateRequest was denied by an approval controller"
		setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonDenied, message)
		return ctrl.Result{}, nil
	}

	if r.CheckApprovedCondition {
		// An unapproved request is a transient wait, never a failure: the
		// approval controller's condition update retriggers reconciliation.
		if !cmutil.CertificateRequestIsApproved(&certificateRequest) {
			log.Info("CertificateRequest has not been approved yet. Ignoring.")
			return ctrl.Result{}, nil
		}
	}

	// Add a Ready condition if one does not already exist
	if ready := cmutil.GetCertificateRequestCondition(&certificateRequest, cmapi.CertificateRequestConditionReady); ready == nil {
		log.Info("Initializing Ready condition")
		setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonPending, "Initializing")
		return ctrl.Result{}, nil
	}

	issuer, err := r.issuerFor(&certificateRequest)
	if err != nil {
		log.Error(err, "Unrecognized kind. Ignoring.")
		setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonFailed, err.Error())
		return ctrl.Result{}, nil
	}

	// A namespaced EstIssuer is only visible from its own namespace; the
	// empty namespace resolves cluster scope.
	var issuerNamespace string
	if !issuer.IsClusterScoped() {
		issuerNamespace = certificateRequest.Namespace
	}
	err = r.Get(ctx, types.NamespacedName{
		Name:      certificateRequest.Spec.IssuerRef.Name,
		Namespace: issuerNamespace,
	}, issuer)
	if err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errGetIssuer, err)
	}

	if !issuer.GetStatus().IsReady() {
		return ctrl.Result{}, errIssuerNotReady
	}

	certificateRequest.Status.CA = issuer.GetSpec().CACert

	order, err := ownedOrderFor(ctx, r.Client, &certificateRequest)
	if err != nil {
		return ctrl.Result{}, err
	}

	if order == nil {
		return r.createOrder(ctx, &certificateRequest, issuer)
	}

	if len(order.Status.Certificate) == 0 {
		// The order reconciler is still driving the EST exchange; its status
		// update retriggers us through the owner watch.
		log.Info("Waiting for EstOrder to complete", "order", order.Name)
		setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonPending,
			fmt.Sprintf("Waiting for EstOrder %s", order.Name))
		return ctrl.Result{}, nil
	}

	certificateRequest.Status.Certificate = order.Status.Certificate
	setCertificateRequestReadyCondition(&certificateRequest, cmmeta.ConditionTrue, cmapi.CertificateRequestReasonIssued, "Certificate issued")
	r.Recorder.Event(&certificateRequest, "Normal", "Issued", "Certificate issued by EST server")
	return ctrl.Result{}, nil
}

// issuerFor instantiates the issuer object named by the request's issuerRef
// kind.
func (r *CertificateRequestReconciler) issuerFor(certificateRequest *cmapi.CertificateRequest) (estv1alpha1.IssuerLike, error) {
	issuerGVK := estv1alpha1.GroupVersion.WithKind(certificateRequest.Spec.IssuerRef.Kind)
	issuerRO, err := r.Scheme.New(issuerGVK)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errIssuerRef, err)
	}
	issuer, ok := issuerRO.(estv1alpha1.IssuerLike)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected type for issuer object: %T", errIssuerRef, issuerRO)
	}
	return issuer, nil
}

// createOrder creates the single EstOrder owned by this request. The revision
// annotation distinguishes initial issuance ("1") from renewal.
func (r *CertificateRequestReconciler) createOrder(ctx context.Context, certificateRequest *cmapi.CertificateRequest, issuer estv1alpha1.IssuerLike) (ctrl.Result, error) {
	log := ctrl.LoggerFrom(ctx)

	csrDER, err := decodeCSRPEM(certificateRequest.Spec.Request)
	if err != nil {
		log.Error(err, "Request is not a PEM encoded CSR. Marking as failed.")
		setCertificateRequestReadyCondition(certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonFailed, err.Error())
		return ctrl.Result{}, nil
	}

	order := &estv1alpha1.EstOrder{
		ObjectMeta: metav1.ObjectMeta{
			Name:      certificateRequest.Name + "-order",
			Namespace: certificateRequest.Namespace,
		},
		Spec: estv1alpha1.OrderSpec{
			IssuerRef: estv1alpha1.IssuerReference{
				Name:  certificateRequest.Spec.IssuerRef.Name,
				Kind:  certificateRequest.Spec.IssuerRef.Kind,
				Group: certificateRequest.Spec.IssuerRef.Group,
			},
			Request: csrDER,
			Renewal: !isInitialRevision(certificateRequest),
		},
	}
	if err := controllerutil.SetControllerReference(certificateRequest, order, r.Scheme); err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errCreateOrder, err)
	}
	if err := r.Create(ctx, order); err != nil {
		return ctrl.Result{}, fmt.Errorf("%w: %w", errCreateOrder, err)
	}

	message := fmt.Sprintf("Created new EstOrder %s", order.Name)
	log.Info(message, "issuer", issuer.GetName(), "renewal", order.Spec.Renewal)
	r.Recorder.Event(certificateRequest, "Normal", "Ordered", message)
	setCertificateRequestReadyCondition(certificateRequest, cmmeta.ConditionFalse, cmapi.CertificateRequestReasonPending, message)
	return ctrl.Result{}, nil
}

// isInitialRevision reports whether this request is the certificate's first
// issuance. cert-manager sets the revision annotation to "1" on the first
// request and increments it for renewals; an absent annotation counts as
// initial.
func isInitialRevision(certificateRequest *cmapi.CertificateRequest) bool {
	revision, ok := certificateRequest.Annotations[cmapi.CertificateRequestRevisionAnnotationKey]
	if !ok {
		return true
	}
	return revision == "1"
}

// decodeCSRPEM extracts the DER bytes from a PEM encoded PKCS#10 request.
func decodeCSRPEM(request []byte) ([]byte, error) {
	block, _ := pem.Decode(request)
	if block == nil || block.Type != "CERTIFICATE REQUEST" {
		return nil, fmt.Errorf("%w: PEM block type must be CERTIFICATE REQUEST", errInvalidRequest)
	}
	return block.Bytes, nil
}

func setCertificateRequestReadyCondition(cr *cmapi.CertificateRequest, status cmmeta.ConditionStatus, reason, message string) {
	cmutil.SetCertificateRequestCondition(
		cr,
		cmapi.CertificateRequestConditionReady,
		status,
		reason,
		message,
	)
}

// requestsForIssuer maps an issuer event to the CertificateRequests that
// reference it, via the issuer-name index. An issuer becoming Ready unblocks
// every request waiting on it.
func (r *CertificateRequestReconciler) requestsForIssuer(ctx context.Context, issuer client.Object) []reconcile.Request {
	opts := []client.ListOption{
		client.MatchingFields{certificateRequestIssuerField: issuer.GetName()},
	}
	if issuer.GetNamespace() != "" {
		opts = append(opts, client.InNamespace(issuer.GetNamespace()))
	}
	var requests cmapi.CertificateRequestList
	if err := r.List(ctx, &requests, opts...); err != nil {
		ctrl.LoggerFrom(ctx).Error(err, "Failed to list CertificateRequests for issuer", "issuer", issuer.GetName())
		return nil
	}
	out := make([]reconcile.Request, 0, len(requests.Items))
	for i := range requests.Items {
		out = append(out, reconcile.Request{NamespacedName: client.ObjectKeyFromObject(&requests.Items[i])})
	}
	return out
}

// SetupWithManager registers the CertificateRequestReconciler with the
// controller manager. Owned EstOrders are watched so a completing order
// retriggers its request; issuer watches requeue requests when their issuer
// changes state.
func (r *CertificateRequestReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&cmapi.CertificateRequest{}).
		Owns(&estv1alpha1.EstOrder{}).
		Watches(&estv1alpha1.EstIssuer{}, handler.EnqueueRequestsFromMapFunc(r.requestsForIssuer)).
		Watches(&estv1alpha1.EstClusterIssuer{}, handler.EnqueueRequestsFromMapFunc(r.requestsForIssuer)).
		Complete(r)
}
